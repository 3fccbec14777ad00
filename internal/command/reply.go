package command

import (
	"encoding/json"

	"github.com/signalwire/blade-client-go/internal/wire"
)

// ReplyType distinguishes a successful result from an error reply.
type ReplyType int

const (
	ReplyOK ReplyType = iota
	ReplyError
)

// Reply is the result half of a Command, whichever way it resolved.
type Reply struct {
	ID     string
	Type   ReplyType
	Result json.RawMessage
	Err    *wire.RPCError
}

// replyFromEnvelope converts an inbound result/error envelope into a Reply.
// Returns false if e is not a reply-shaped envelope at all.
func replyFromEnvelope(e wire.Envelope) (Reply, bool) {
	switch e.Kind() {
	case wire.KindResult:
		return Reply{ID: e.ID, Type: ReplyOK, Result: e.Result}, true
	case wire.KindError:
		return Reply{ID: e.ID, Type: ReplyError, Err: e.Error}, true
	default:
		return Reply{}, false
	}
}

// OK reports whether the reply carries a successful result.
func (r Reply) OK() bool {
	return r.Type == ReplyOK
}

// AsError renders an error reply as a Go error, or nil for a success reply.
func (r Reply) AsError() error {
	if r.Type == ReplyError && r.Err != nil {
		return r.Err
	}
	return nil
}
