package blade

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/signalwire/blade-client-go/internal/wire"
)

// BroadcastHandler receives inbound blade.broadcast events for channels
// this session is subscribed to.
type BroadcastHandler func(evt *wire.BroadcastRequest)

// OnBroadcast registers h for every inbound broadcast on protocol:channel.
// Replaces any previously registered handler for the same pair.
func (s *Session) OnBroadcast(protocol, channel string, h BroadcastHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broadcastHandlers == nil {
		s.broadcastHandlers = make(map[string]BroadcastHandler)
	}
	s.broadcastHandlers[protocol+":"+channel] = h
}

// handleFrame decodes one inbound frame and routes it: replies go to the
// command registry, requests go to the method dispatch table (spec
// §4.3). A frame that is neither is logged and dropped.
func (s *Session) handleFrame(ctx context.Context, raw []byte) {
	e, err := wire.Parse(raw)
	if err != nil {
		s.log.Warn("discarding unparseable frame", "error", err)
		return
	}

	if s.registry != nil {
		if delivered, err := s.registry.DeliverEnvelope(e); delivered {
			if err != nil {
				s.log.Debug("reply for unknown/expired command", "id", e.ID, "error", err)
			}
			return
		}
	}

	if e.Kind() != wire.KindRequest {
		s.log.Warn("dropping unrecognized frame", "id", e.ID)
		return
	}

	s.dispatchRequest(ctx, e)
}

// dispatchRequest routes one inbound JSON-RPC request to its handler by
// method name, replying with a JSON-RPC error for unknown methods or
// handler failures (spec §4.3, §7).
func (s *Session) dispatchRequest(ctx context.Context, e wire.Envelope) {
	switch e.Method {
	case wire.MethodBroadcast:
		s.handleBroadcast(e)
	case wire.MethodDisconnect:
		s.handleDisconnect(e)
	case wire.MethodPing:
		s.handlePing(ctx, e)
	case wire.MethodNetcast:
		s.handleNetcast(e)
	case wire.MethodExecute:
		s.handleExecute(ctx, e)
	default:
		s.log.Warn("method not found", "method", e.Method)
		s.replyError(ctx, e.ID, wire.ErrCodeMethodNotFound, fmt.Sprintf("method not found: %s", e.Method))
	}
}

func (s *Session) handleBroadcast(e wire.Envelope) {
	var evt wire.BroadcastRequest
	if err := json.Unmarshal(e.Params, &evt); err != nil {
		s.log.Warn("malformed broadcast", "error", err)
		return
	}
	s.mu.RLock()
	h := s.broadcastHandlers[evt.Protocol+":"+evt.Channel]
	s.mu.RUnlock()
	if h != nil {
		h(&evt)
	}
}

func (s *Session) handleDisconnect(wire.Envelope) {
	s.log.Info("upstream requested disconnect")
	s.reconnectMu.Lock()
	s.reconnectReason = reconnectReasonTransportFailure
	s.reconnectMu.Unlock()
	s.setState(StateOffline)
}

func (s *Session) handlePing(ctx context.Context, e wire.Envelope) {
	var ping wire.PingPayload
	if err := json.Unmarshal(e.Params, &ping); err != nil {
		s.replyError(ctx, e.ID, wire.ErrCodeInternal, "malformed ping params")
		return
	}
	result, err := json.Marshal(ping)
	if err != nil {
		s.replyError(ctx, e.ID, wire.ErrCodeInternal, "encoding pong")
		return
	}
	s.reply(ctx, e.ID, result)
}

func (s *Session) handleNetcast(e wire.Envelope) {
	var nc wire.NetcastRequest
	if err := json.Unmarshal(e.Params, &nc); err != nil {
		s.log.Warn("malformed netcast", "error", err)
		return
	}
	if err := s.store.Apply(s.log, &nc); err != nil {
		s.log.Warn("applying netcast", "command", nc.Command, "error", err)
	}
}

func (s *Session) handleExecute(ctx context.Context, e wire.Envelope) {
	var req wire.ExecuteRequest
	if err := json.Unmarshal(e.Params, &req); err != nil {
		s.replyError(ctx, e.ID, wire.ErrCodeInternal, "malformed execute params")
		return
	}

	s.mu.RLock()
	h := s.execHandlers[req.Protocol+":"+req.Method]
	s.mu.RUnlock()

	if h == nil {
		s.replyError(ctx, e.ID, wire.ErrCodeMethodNotFound, fmt.Sprintf("no handler for %s.%s", req.Protocol, req.Method))
		return
	}

	result, err := h(ctx, &req)
	if err != nil {
		s.replyError(ctx, e.ID, wire.ErrCodeInternal, err.Error())
		return
	}
	if result == nil {
		s.replyError(ctx, e.ID, wire.ErrCodeHandlerNoResult, "handler left command unset")
		return
	}
	s.reply(ctx, e.ID, result)
}

func (s *Session) reply(ctx context.Context, id string, result json.RawMessage) {
	env := wire.NewResult(id, result)
	raw, err := env.Marshal()
	if err != nil {
		s.log.Error("encoding reply", "error", err)
		return
	}
	s.send(ctx, raw)
}

func (s *Session) replyError(ctx context.Context, id string, code int, message string) {
	env := wire.NewError(id, code, message, nil)
	raw, err := env.Marshal()
	if err != nil {
		s.log.Error("encoding error reply", "error", err)
		return
	}
	s.send(ctx, raw)
}

func (s *Session) send(ctx context.Context, raw []byte) {
	s.mu.RLock()
	conn := s.conn
	state := s.state
	s.mu.RUnlock()

	if conn == nil || state == StateOffline {
		s.queueReplay(raw)
		return
	}
	if err := conn.Send(ctx, raw); err != nil {
		s.log.Warn("sending frame failed, queueing for replay", "error", err)
		s.queueReplay(raw)
	}
}

func (s *Session) queueReplay(raw []byte) {
	e, err := wire.Parse(raw)
	if err != nil {
		return
	}
	s.replayMu.Lock()
	defer s.replayMu.Unlock()
	if len(s.replay) >= replayQueueCap {
		s.replay = s.replay[1:]
	}
	s.replay = append(s.replay, e)
}

// drainReplay resends every queued reply/result envelope once the
// transport is back online (spec §4.5's result-replay queue for execute
// responses produced while disconnected).
func (s *Session) drainReplay(ctx context.Context, log *slog.Logger) {
	s.replayMu.Lock()
	pending := s.replay
	s.replay = nil
	s.replayMu.Unlock()

	for _, e := range pending {
		raw, err := e.Marshal()
		if err != nil {
			continue
		}
		s.send(ctx, raw)
	}
	if len(pending) > 0 {
		log.Info("replayed queued results", "count", len(pending))
	}
}
