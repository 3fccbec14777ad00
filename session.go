package blade

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/signalwire/blade-client-go/internal/command"
	"github.com/signalwire/blade-client-go/internal/config"
	"github.com/signalwire/blade-client-go/internal/nodestore"
	"github.com/signalwire/blade-client-go/internal/transport"
	"github.com/signalwire/blade-client-go/internal/wire"
)

// State is the session's position in the reconnect/resume state machine
// (spec §4.5).
type State int

const (
	StateOffline State = iota
	StateOnline
	StateRestored
)

func (s State) String() string {
	switch s {
	case StateOffline:
		return "offline"
	case StateOnline:
		return "online"
	case StateRestored:
		return "restored"
	default:
		return "unknown"
	}
}

// inboundFrameQueueDepth bounds how many inbound frames may queue up ahead
// of the single dispatch worker before new frames are dropped. One worker
// drains the queue so frames are always processed in arrival order and
// node-store/handler state is never mutated concurrently.
const inboundFrameQueueDepth = 64

// replayQueueCap bounds how many execute results this client will hold
// for replay while disconnected before dropping the oldest.
const replayQueueCap = 1024

// Session is one Blade client session: a websocket connection, the
// command correlation layer on top of it, and a local mirror of cluster
// state kept current by netcast broadcasts.
type Session struct {
	cfg *config.Config
	log *slog.Logger

	mu           sync.RWMutex
	state        State
	conn         *transport.Conn
	sessionID    string
	nodeID       string
	masterNodeID string

	registry *command.Registry
	store    *nodestore.Store

	frameCh chan []byte

	replayMu sync.Mutex
	replay   []wire.Envelope

	execHandlers      map[string]ExecuteHandler
	broadcastHandlers map[string]BroadcastHandler

	stateChangeHandlers []StateChangeHandler
	authFailedHandlers  []AuthFailedHandler

	cancel context.CancelFunc
	wg     sync.WaitGroup

	reconnectMu     sync.Mutex
	reconnectReason reconnectReason

	metricsMu   sync.Mutex
	rankMetrics []*rankMetric

	// insecureTransport dials plain ws:// instead of wss://. Only ever set
	// by tests against a local fake upstream; real configuration has no
	// way to enable it.
	insecureTransport bool

	closed chan struct{}
}

// ExecuteHandler answers an inbound blade.execute request for a protocol
// this session provides. Returning an error produces a jsonrpc error
// reply; a nil error with nil result produces error code -32607, matching
// the original's "handler left command in request state" failure mode.
type ExecuteHandler func(ctx context.Context, req *wire.ExecuteRequest) (json.RawMessage, error)

// StateChangeHandler observes every transition the session makes through
// its offline/online/restored state machine (spec §4.5 step 8, §7).
type StateChangeHandler func(old, next State)

// AuthFailedHandler observes a blade.connect rejected for authentication,
// whether on the initial connect or a later reconnect attempt (spec §7).
type AuthFailedHandler func(err error)

// OnStateChange registers h to be called on every state transition. Must
// be called before Connect to avoid racing the dispatch loop.
func (s *Session) OnStateChange(h StateChangeHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateChangeHandlers = append(s.stateChangeHandlers, h)
}

// OnAuthFailed registers h to be called whenever the upstream rejects a
// blade.connect attempt for authentication.
func (s *Session) OnAuthFailed(h AuthFailedHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authFailedHandlers = append(s.authFailedHandlers, h)
}

// setState transitions the session to next, firing every registered
// StateChangeHandler if the state actually changed.
func (s *Session) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	handlers := s.stateChangeHandlers
	s.mu.Unlock()

	if prev == next {
		return
	}
	for _, h := range handlers {
		h(prev, next)
	}
}

func (s *Session) fireAuthFailed(err error) {
	s.mu.RLock()
	handlers := s.authFailedHandlers
	s.mu.RUnlock()
	for _, h := range handlers {
		h(err)
	}
}

// New constructs a Session from configuration. It does not dial anything
// until Connect is called.
func New(cfg *config.Config, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		cfg:          cfg,
		log:          log,
		state:        StateOffline,
		store:        nodestore.New(),
		frameCh:      make(chan []byte, inboundFrameQueueDepth),
		execHandlers: make(map[string]ExecuteHandler),
		closed:       make(chan struct{}),
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Store exposes the node store for read-only queries (route/protocol
// lookups, provider selection).
func (s *Session) Store() *nodestore.Store {
	return s.store
}

// SessionID returns the upstream-assigned session id, set after Connect.
func (s *Session) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

// NodeID returns this client's node id within the mesh, set after Connect.
func (s *Session) NodeID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodeID
}

// HandleExecute registers a local handler for inbound blade.execute
// requests addressed to protocol:method. Must be called before Connect to
// avoid racing the dispatch loop.
func (s *Session) HandleExecute(protocol, method string, h ExecuteHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execHandlers[protocol+":"+method] = h
}

// Connect dials the upstream, performs the blade.connect handshake, seeds
// the node store from the reply, and starts the session's background
// goroutines (spec §4.5 steps 1-7).
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateOffline {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if err := s.dialAndHandshake(ctx, runCtx, false); err != nil {
		cancel()
		return err
	}

	s.registry = command.NewRegistry(s.log)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.registry.Run()
	}()

	s.wg.Add(1)
	go s.frameWorker(runCtx)

	s.wg.Add(1)
	go s.monitor(runCtx)

	return nil
}

// dialAndHandshake performs the transport dial and the blade.connect
// round trip, updating session state on success. runCtx is the session's
// long-lived background context: the transport read loop is started
// against it immediately after dialing, because the connect reply itself
// arrives over that same read loop. When resume is true it requests
// session resumption using the previously assigned session id.
func (s *Session) dialAndHandshake(ctx, runCtx context.Context, resume bool) error {
	s.mu.RLock()
	prev := s.conn
	s.mu.RUnlock()
	if prev != nil {
		_ = prev.Close()
	}

	tlsCfg := transport.TLSConfig{
		PrivateKeyPath: s.cfg.PrivateKeyPath,
		ClientCertPath: s.cfg.ClientCertPath,
		CertChainPath:  s.cfg.CertChainPath,
		PlainText:      s.insecureTransport,
	}

	conn, err := transport.Dial(ctx, s.cfg.Address, "/", tlsCfg, s.log)
	if err != nil {
		return fmt.Errorf("blade: connecting: %w", err)
	}
	conn.SetHandlers(s.onFrame, s.onTransportFailed)

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		conn.Run(runCtx)
	}()

	reply, err := s.sendConnect(ctx, conn, resume)
	if err != nil {
		_ = conn.Close()
		if err == ErrAuthFailed {
			s.fireAuthFailed(err)
		}
		return err
	}

	s.mu.Lock()
	s.sessionID = reply.SessionID
	s.nodeID = reply.NodeID
	s.masterNodeID = reply.MasterNodeID
	s.mu.Unlock()

	if reply.SessionRestored {
		s.setState(StateRestored)
	} else {
		s.setState(StateOnline)
	}

	if err := s.store.Seed(reply); err != nil {
		return fmt.Errorf("blade: seeding node store: %w", err)
	}
	return nil
}

// sendConnect builds and sends the blade.connect request directly over
// conn, bypassing the registry (it isn't running yet at this point in the
// handshake) and waiting for the matching reply inline.
func (s *Session) sendConnect(ctx context.Context, conn *transport.Conn, resume bool) (*wire.ConnectReply, error) {
	req := wire.ConnectRequest{
		Version: &wire.ClientVersion,
		Agent:   s.cfg.Agent,
		Identity: s.cfg.Identity,
		Network: &wire.NetworkFilter{
			RouteData:         s.cfg.Network.RouteData,
			RouteAdd:          s.cfg.Network.RouteAdd,
			RouteRemove:       s.cfg.Network.RouteRemove,
			AuthorityData:     s.cfg.Network.AuthorityData,
			AuthorityAdd:      s.cfg.Network.AuthorityAdd,
			AuthorityRemove:   s.cfg.Network.AuthorityRemove,
			FilteredProtocols: s.cfg.Network.FilteredProtocols,
			Protocols:         s.cfg.Network.Protocols,
		},
	}
	if s.cfg.Authentication != "" {
		req.Authentication = json.RawMessage(s.cfg.Authentication)
	}
	if resume {
		req.SessionID = s.SessionID()
	} else if s.cfg.SessionID != "" {
		req.SessionID = s.cfg.SessionID
	}

	params, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("blade: encoding connect request: %w", err)
	}

	id := fmt.Sprintf("connect-%d", time.Now().UnixNano())
	envelope := wire.NewRequest(id, wire.MethodConnect, params)
	raw, err := envelope.Marshal()
	if err != nil {
		return nil, fmt.Errorf("blade: encoding connect envelope: %w", err)
	}

	replyCh := make(chan wire.Envelope, 1)
	conn.SetHandlers(func(raw []byte) {
		e, err := wire.Parse(raw)
		if err != nil {
			s.log.Warn("discarding unparseable frame during connect", "error", err)
			return
		}
		if e.ID == id {
			select {
			case replyCh <- e:
			default:
			}
			return
		}
		s.onFrame(raw)
	}, s.onTransportFailed)

	if err := conn.Send(ctx, raw); err != nil {
		return nil, fmt.Errorf("blade: sending connect request: %w", err)
	}

	select {
	case e := <-replyCh:
		if e.Kind() == wire.KindError {
			if e.Error != nil && e.Error.Code == wire.ErrCodeAuthFailed {
				return nil, ErrAuthFailed
			}
			return nil, e.Error
		}
		var reply wire.ConnectReply
		if err := json.Unmarshal(e.Result, &reply); err != nil {
			return nil, fmt.Errorf("blade: decoding connect reply: %w", err)
		}
		return &reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// onFrame is the transport-layer callback: decode the envelope and queue
// it for a worker to process, never blocking the read loop itself.
func (s *Session) onFrame(raw []byte) {
	select {
	case s.frameCh <- raw:
	default:
		s.log.Warn("inbound frame queue full, dropping frame")
	}
}

func (s *Session) onTransportFailed(err error) {
	s.log.Warn("transport failed", "error", err)
	s.reconnectMu.Lock()
	s.reconnectReason = reconnectReasonTransportFailure
	s.reconnectMu.Unlock()
	s.setState(StateOffline)
}

// frameWorker drains frameCh until ctx is cancelled, dispatching each
// frame either to the command registry (if it's a reply) or the request
// dispatch table (if it's an inbound method call).
func (s *Session) frameWorker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-s.frameCh:
			if !ok {
				return
			}
			s.handleFrame(ctx, raw)
		}
	}
}

// Close tears the session down: cancels background goroutines, closes the
// transport, and fails out any still-pending commands.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateOffline && s.cancel == nil {
		s.mu.Unlock()
		return nil
	}
	conn := s.conn
	cancel := s.cancel
	s.mu.Unlock()

	s.setState(StateOffline)

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if s.registry != nil {
		s.registry.Close()
	}
	s.wg.Wait()

	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	return nil
}
