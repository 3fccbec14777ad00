package command

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/signalwire/blade-client-go/internal/wire"
)

// Sender is the outbound half of a connection, as the transport layer's
// Conn implements it. The Registry itself holds no Sender and never
// sends: callers render a submitted command's envelope and send it
// themselves (spec §4.1/§4.2 separation of concerns).
type Sender interface {
	Send(ctx context.Context, raw []byte) error
}

// pendingCmd bundles a submitted Command with the Future given back to its
// caller and its slot in the TTL heap.
type pendingCmd struct {
	cmd    *Command
	future *Future
	entry  *ttlEntry
}

// Registry tracks in-flight commands keyed by id, matches inbound replies
// to them, and fails out anything that outlives its TTL. One Registry
// backs one Session (spec §4.2).
type Registry struct {
	log *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingCmd
	heap    ttlHeap
	closed  bool

	wake     chan struct{}
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewRegistry constructs a Registry. Callers must call Run in a goroutine
// to start the TTL sweeper, and Close when the session tears down.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:     log,
		pending: make(map[string]*pendingCmd),
		heap:    make(ttlHeap, 0, 64),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Submit registers cmd as pending and returns a Future that resolves when
// a matching reply arrives or the command's TTL elapses. If the command
// carries FlagNoReply, Submit returns (nil, nil): there is nothing to wait
// on, by the caller's own request.
func (r *Registry) Submit(cmd *Command) (*Future, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if _, exists := r.pending[cmd.ID]; exists {
		return nil, ErrDuplicateID
	}
	if len(r.pending) >= MaxPending {
		return nil, ErrCapacityExhausted
	}

	cmd.submitAt = time.Now()

	if cmd.NoReply() {
		return nil, nil
	}

	fut := newFuture(cmd.ID)
	entry := &ttlEntry{id: cmd.ID, expireAt: cmd.submitAt.Add(cmd.TTL)}
	heap.Push(&r.heap, entry)
	r.pending[cmd.ID] = &pendingCmd{cmd: cmd, future: fut, entry: entry}

	r.nudge()
	return fut, nil
}

// Deliver matches an inbound reply to its pending command and resolves
// the future. Returns ErrNotFound if no command with that id is pending
// (e.g. it already timed out, or it's a duplicate/late reply), which
// callers should log and ignore rather than treat as fatal.
func (r *Registry) Deliver(rep Reply) error {
	r.mu.Lock()
	pc, ok := r.pending[rep.ID]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	delete(r.pending, rep.ID)
	r.heap.remove(pc.entry)
	r.mu.Unlock()

	pc.future.resolve(rep)
	return nil
}

// Cancel removes a pending command without resolving its future to a
// reply; used when a command is locally abandoned (e.g. session tear
// down before a reply could plausibly arrive).
func (r *Registry) Cancel(id string, err error) error {
	r.mu.Lock()
	pc, ok := r.pending[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	delete(r.pending, id)
	r.heap.remove(pc.entry)
	r.mu.Unlock()

	pc.future.fail(err)
	return nil
}

// Len reports the number of commands currently pending.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Registry) nudge() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run drives the TTL sweeper until Close is called. It always wakes for
// the soonest-expiring pending command, and also wakes early whenever a
// new command is submitted in case it expires sooner than everything
// already scheduled.
func (r *Registry) Run() {
	defer close(r.done)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		r.mu.Lock()
		next := r.heap.peek()
		r.mu.Unlock()

		var wait time.Duration
		if next == nil {
			wait = time.Hour
		} else {
			wait = time.Until(next.expireAt)
			if wait < 0 {
				wait = 0
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-r.stop:
			return
		case <-r.wake:
			continue
		case <-timer.C:
			r.sweep()
		}
	}
}

// sweep fails out every command whose TTL has elapsed as of now.
func (r *Registry) sweep() {
	now := time.Now()
	var expired []*pendingCmd

	r.mu.Lock()
	for {
		e := r.heap.peek()
		if e == nil || e.expireAt.After(now) {
			break
		}
		heap.Pop(&r.heap)
		pc := r.pending[e.id]
		delete(r.pending, e.id)
		if pc != nil {
			expired = append(expired, pc)
		}
	}
	r.mu.Unlock()

	for _, pc := range expired {
		r.log.Warn("command timed out", "id", pc.cmd.ID, "method", pc.cmd.Method)
		pc.future.fail(&TimeoutError{ID: pc.cmd.ID, Method: pc.cmd.Method})
	}
}

// Close stops the sweeper and fails out every command still pending, so
// no caller blocks forever on a Future that will never resolve.
func (r *Registry) Close() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
	<-r.done

	r.mu.Lock()
	r.closed = true
	pending := r.pending
	r.pending = make(map[string]*pendingCmd)
	r.heap = r.heap[:0]
	r.mu.Unlock()

	for _, pc := range pending {
		pc.future.fail(ErrClosed)
	}
}

// DeliverEnvelope converts an inbound envelope to a Reply and delivers it.
// It returns (false, nil) if the envelope isn't reply-shaped at all, so
// the session dispatcher can fall through to its request-handling path
// instead of treating it as an error.
func (r *Registry) DeliverEnvelope(e wire.Envelope) (bool, error) {
	rep, ok := replyFromEnvelope(e)
	if !ok {
		return false, nil
	}
	return true, r.Deliver(rep)
}
