package blade

import (
	"context"
	"time"
)

// RankSource computes a provider's current rank on demand. Registered
// against a protocol this session provides, it lets the caller tie rank
// to something live (queue depth, CPU load, active session count) instead
// of a value fixed once at ProtocolProviderAdd time.
type RankSource func() int

// rankMetric is one registered (protocol, source, interval) tuple plus the
// dirty-flag bookkeeping the scheduler needs to decide whether a refresh
// is due and whether the computed rank actually changed.
type rankMetric struct {
	protocol string
	source   RankSource
	interval time.Duration
	nextRun  time.Time
	lastRank int
	haveRank bool
}

// RegisterRankMetric schedules periodic rank refreshes for protocol: every
// interval, source is polled and, if the result differs from the last
// value sent upstream, an async blade.protocol.provider.rank.update
// netcast is issued (spec's metric registration component). The first
// refresh happens after one interval has elapsed, not immediately.
func (s *Session) RegisterRankMetric(protocol string, interval time.Duration, source RankSource) {
	s.metricsMu.Lock()
	defer s.metricsMu.Unlock()
	s.rankMetrics = append(s.rankMetrics, &rankMetric{
		protocol: protocol,
		source:   source,
		interval: interval,
		nextRun:  time.Now().Add(interval),
	})
}

// refreshRankMetrics runs any registered metric whose interval has
// elapsed, firing a rank update netcast in the background for each one
// whose computed rank changed since the last refresh. Called once per
// monitor tick; cheap no-op when nothing is due.
func (s *Session) refreshRankMetrics(ctx context.Context) {
	now := time.Now()

	s.metricsMu.Lock()
	var due []*rankMetric
	for _, m := range s.rankMetrics {
		if !now.Before(m.nextRun) {
			m.nextRun = now.Add(m.interval)
			due = append(due, m)
		}
	}
	s.metricsMu.Unlock()

	for _, m := range due {
		rank := m.source()
		if m.haveRank && rank == m.lastRank {
			continue
		}
		m.haveRank = true
		m.lastRank = rank

		protocol, r := m.protocol, rank
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			updateCtx, cancel := context.WithTimeout(ctx, DefaultCommandTTL)
			defer cancel()
			if err := s.ProtocolProviderRankUpdate(updateCtx, protocol, r); err != nil {
				s.log.Warn("rank metric update failed", "protocol", protocol, "rank", r, "error", err)
			}
		}()
	}
}
