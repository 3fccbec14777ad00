package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeKind(t *testing.T) {
	req := NewRequest("1", MethodConnect, json.RawMessage(`{}`))
	assert.Equal(t, KindRequest, req.Kind())

	res := NewResult("1", json.RawMessage(`{"ok":true}`))
	assert.Equal(t, KindResult, res.Kind())

	errEnv := NewError("1", ErrCodeMethodNotFound, "nope", nil)
	assert.Equal(t, KindError, errEnv.Kind())

	var empty Envelope
	assert.Equal(t, KindInvalid, empty.Kind())
}

func TestEnvelopeRoundTrip(t *testing.T) {
	orig := NewRequest("abc-123", MethodPing, json.RawMessage(`{"timestamp":42}`))
	raw, err := orig.Marshal()
	require.NoError(t, err)

	parsed, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, orig.ID, parsed.ID)
	assert.Equal(t, orig.Method, parsed.Method)
	assert.JSONEq(t, string(orig.Params), string(parsed.Params))
	assert.Equal(t, Version, parsed.JSONRPC)
}

func TestParseInvalidJSON(t *testing.T) {
	_, err := Parse([]byte("not json"))
	assert.Error(t, err)
}

func TestRPCErrorMessage(t *testing.T) {
	e := &RPCError{Code: ErrCodeAuthFailed, Message: "bad credentials"}
	assert.Contains(t, e.Error(), "bad credentials")
	assert.Contains(t, e.Error(), "-32002")
}

func TestDeepCopyRawIndependence(t *testing.T) {
	orig := json.RawMessage(`{"a":1}`)
	cp := DeepCopyRaw(orig)
	cp[2] = 'X'
	assert.NotEqual(t, string(orig), string(cp))
}
