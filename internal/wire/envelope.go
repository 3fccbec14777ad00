// Package wire defines the JSON-RPC 2.0 envelope and the Blade message
// shapes exchanged over it. This is deliberately thin: the engineering
// this module cares about lives in command, transport, nodestore, and the
// session package, not in field-by-field mapping.
package wire

import (
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC version string Blade speaks.
const Version = "2.0"

// Kind identifies which of the four JSON-RPC envelope shapes a frame takes.
type Kind int

const (
	KindRequest Kind = iota
	KindResult
	KindError
	KindInvalid
)

// RPCError is the JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes used by the Blade dispatcher (spec §4.3, §7).
const (
	ErrCodeMethodNotFound  = -32601
	ErrCodeInternal        = -32603
	ErrCodeHandlerNoResult = -32607
	ErrCodeAuthFailed      = -32002
)

// Envelope is the wire shape of one JSON-RPC 2.0 frame: a request, a
// result, or an error. Exactly one of Method/Params, Result, or Error is
// populated, matching spec §4.2's three envelope variants.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// NewRequest builds a request envelope.
func NewRequest(id, method string, params json.RawMessage) Envelope {
	return Envelope{JSONRPC: Version, ID: id, Method: method, Params: params}
}

// NewResult builds a result envelope.
func NewResult(id string, result json.RawMessage) Envelope {
	return Envelope{JSONRPC: Version, ID: id, Result: result}
}

// NewError builds an error envelope.
func NewError(id string, code int, message string, data json.RawMessage) Envelope {
	return Envelope{JSONRPC: Version, ID: id, Error: &RPCError{Code: code, Message: message, Data: data}}
}

// Kind reports which envelope shape e is.
func (e Envelope) Kind() Kind {
	switch {
	case e.Method != "":
		return KindRequest
	case e.Result != nil:
		return KindResult
	case e.Error != nil:
		return KindError
	default:
		return KindInvalid
	}
}

// Marshal renders the envelope to its wire string form.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Parse decodes raw bytes into an envelope.
func Parse(raw []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, fmt.Errorf("parsing jsonrpc envelope: %w", err)
	}
	return e, nil
}

// DeepCopyRaw returns a byte-independent copy of a json.RawMessage, so a
// caller can retain params/result past the lifetime of the buffer the
// transport read it into.
func DeepCopyRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	cp := make(json.RawMessage, len(raw))
	copy(cp, raw)
	return cp
}

// Pretty renders v as indented JSON for logging/debugging.
func Pretty(v interface{}) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("<unprintable: %v>", err)
	}
	return string(b)
}
