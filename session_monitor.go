package blade

import (
	"context"
	"time"
)

// monitor is the session's background lifecycle loop: it watches for the
// transport going offline and drives reconnection, and while online
// periodically drains the replay queue and checks registered rank
// metrics for a due refresh.
func (s *Session) monitor(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.State() == StateOffline {
				s.attemptReconnect(ctx)
				continue
			}
			s.drainReplay(ctx, s.log)
			s.refreshRankMetrics(ctx)
		}
	}
}

// reconnectReason records what knocked the session offline, since the two
// cases wait at different fixed intervals before the next attempt:
// losing an established connection waits longer than a connect attempt
// that simply failed and is being retried.
type reconnectReason int

const (
	// reconnectReasonTransportFailure means the session was online and
	// lost its connection (transport error or an upstream blade.disconnect).
	// The first reconnect attempt waits DefaultReconnectMax.
	reconnectReasonTransportFailure reconnectReason = iota
	// reconnectReasonConnectFailure means the previous reconnect attempt's
	// own dial/handshake failed. Every attempt after that waits the
	// shorter DefaultReconnectMin, indefinitely, until one succeeds.
	reconnectReasonConnectFailure
)

// attemptReconnect retries the blade.connect handshake, waiting
// DefaultReconnectMax before the first attempt after an established
// connection is lost, and DefaultReconnectMin before every attempt after
// that while the connect itself keeps failing, until ctx is cancelled or
// it succeeds.
func (s *Session) attemptReconnect(ctx context.Context) {
	s.reconnectMu.Lock()
	reason := s.reconnectReason
	s.reconnectMu.Unlock()

	interval := DefaultReconnectMax
	if reason == reconnectReasonConnectFailure {
		interval = DefaultReconnectMin
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(interval):
	}

	dialCtx, cancel := context.WithTimeout(ctx, interval*2)
	defer cancel()

	if err := s.dialAndHandshake(dialCtx, ctx, true); err != nil {
		s.log.Warn("reconnect attempt failed", "error", err)
		s.reconnectMu.Lock()
		s.reconnectReason = reconnectReasonConnectFailure
		s.reconnectMu.Unlock()
		return
	}

	s.log.Info("session reconnected", "state", s.State())
	s.reconnectMu.Lock()
	s.reconnectReason = reconnectReasonTransportFailure
	s.reconnectMu.Unlock()
}
