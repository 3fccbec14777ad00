// Package command implements the one-shot request/reply correlation layer
// described in spec §4.2: a Command is submitted with a TTL, a Future is
// handed back to the caller, and a Registry matches inbound replies to
// pending commands by id, failing them out on timeout instead of leaking
// them forever.
package command

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/signalwire/blade-client-go/internal/wire"
)

// Flag bits a caller can set on a Command at submit time.
type Flag uint8

const (
	// FlagNone is the zero value: normal request/reply semantics.
	FlagNone Flag = 0
	// FlagNoReply marks a command that the sender does not want a Future
	// for at all; the registry fires it and forgets it (spec §4.2 "fire
	// and forget" commands such as unsolicited broadcasts).
	FlagNoReply Flag = 1 << iota
)

// Type identifies which Blade method a Command carries, independent of its
// JSON-RPC envelope framing.
type Type int

const (
	TypeConnect Type = iota
	TypeBroadcast
	TypeDisconnect
	TypePing
	TypeNetcast
	TypeExecute
	TypeUnknown
)

func (t Type) String() string {
	switch t {
	case TypeConnect:
		return wire.MethodConnect
	case TypeBroadcast:
		return wire.MethodBroadcast
	case TypeDisconnect:
		return wire.MethodDisconnect
	case TypePing:
		return wire.MethodPing
	case TypeNetcast:
		return wire.MethodNetcast
	case TypeExecute:
		return wire.MethodExecute
	default:
		return "unknown"
	}
}

// TypeFromMethod maps a wire method name back to a Type.
func TypeFromMethod(method string) Type {
	switch method {
	case wire.MethodConnect:
		return TypeConnect
	case wire.MethodBroadcast:
		return TypeBroadcast
	case wire.MethodDisconnect:
		return TypeDisconnect
	case wire.MethodPing:
		return TypePing
	case wire.MethodNetcast:
		return TypeNetcast
	case wire.MethodExecute:
		return TypeExecute
	default:
		return TypeUnknown
	}
}

// Command is one outstanding request: either something this client sent
// upstream and is awaiting a reply for, or something received from
// upstream that is being run through a local handler before a reply is
// sent back (spec §4.2's dual use of the same structure).
type Command struct {
	ID       string
	Type     Type
	Method   string
	Params   json.RawMessage
	Flags    Flag
	TTL      time.Duration
	submitAt time.Time
}

// New builds a Command with a fresh random id.
func New(typ Type, params json.RawMessage, ttl time.Duration, flags Flag) *Command {
	return &Command{
		ID:     uuid.NewString(),
		Type:   typ,
		Method: typ.String(),
		Params: params,
		Flags:  flags,
		TTL:    ttl,
	}
}

// NoReply reports whether this command was submitted fire-and-forget.
func (c *Command) NoReply() bool {
	return c.Flags&FlagNoReply != 0
}

// Envelope renders the command as an outbound JSON-RPC request.
func (c *Command) Envelope() wire.Envelope {
	return wire.NewRequest(c.ID, c.Method, c.Params)
}
