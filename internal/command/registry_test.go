package command

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalwire/blade-client-go/internal/wire"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(slog.Default())
	go r.Run()
	t.Cleanup(r.Close)
	return r
}

func TestSubmitAndDeliver(t *testing.T) {
	r := testRegistry(t)

	cmd := New(TypePing, json.RawMessage(`{}`), time.Second, FlagNone)
	future, err := r.Submit(cmd)
	require.NoError(t, err)
	require.NotNil(t, future)
	assert.Equal(t, 1, r.Len())

	err = r.Deliver(Reply{ID: cmd.ID, Type: ReplyOK, Result: json.RawMessage(`{"pong":true}`)})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reply, err := future.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, reply.OK())
	assert.JSONEq(t, `{"pong":true}`, string(reply.Result))
	assert.Equal(t, 0, r.Len())
}

func TestSubmitTimesOut(t *testing.T) {
	r := testRegistry(t)

	cmd := New(TypePing, json.RawMessage(`{}`), 20*time.Millisecond, FlagNone)
	future, err := r.Submit(cmd)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = future.Wait(ctx)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, r.Len())

	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, cmd.ID, timeoutErr.ID)
	assert.Contains(t, err.Error(), cmd.ID)
}

func TestDeliverUnknownID(t *testing.T) {
	r := testRegistry(t)
	err := r.Deliver(Reply{ID: "nonexistent", Type: ReplyOK})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSubmitDuplicateID(t *testing.T) {
	r := testRegistry(t)
	cmd := New(TypePing, json.RawMessage(`{}`), time.Second, FlagNone)
	_, err := r.Submit(cmd)
	require.NoError(t, err)

	_, err = r.Submit(cmd)
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestSubmitNoReply(t *testing.T) {
	r := testRegistry(t)
	cmd := New(TypeBroadcast, json.RawMessage(`{}`), time.Second, FlagNoReply)
	future, err := r.Submit(cmd)
	require.NoError(t, err)
	assert.Nil(t, future)
	assert.Equal(t, 0, r.Len())
}

func TestRegistryCloseFailsPending(t *testing.T) {
	r := NewRegistry(slog.Default())
	go r.Run()

	cmd := New(TypePing, json.RawMessage(`{}`), time.Minute, FlagNone)
	future, err := r.Submit(cmd)
	require.NoError(t, err)

	r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = future.Wait(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	_, err = r.Submit(New(TypePing, json.RawMessage(`{}`), time.Second, FlagNone))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDeliverEnvelopeRoutesOnlyReplies(t *testing.T) {
	r := testRegistry(t)

	cmd := New(TypePing, json.RawMessage(`{}`), time.Second, FlagNone)
	_, err := r.Submit(cmd)
	require.NoError(t, err)

	delivered, err := r.DeliverEnvelope(wire.NewRequest("other", wire.MethodPing, nil))
	require.NoError(t, err)
	assert.False(t, delivered)

	delivered, err = r.DeliverEnvelope(wire.NewResult(cmd.ID, json.RawMessage(`{}`)))
	require.NoError(t, err)
	assert.True(t, delivered)
}

func TestTypeFromMethodRoundTrip(t *testing.T) {
	for _, typ := range []Type{TypeConnect, TypeBroadcast, TypeDisconnect, TypePing, TypeNetcast, TypeExecute} {
		assert.Equal(t, typ, TypeFromMethod(typ.String()))
	}
	assert.Equal(t, TypeUnknown, TypeFromMethod("nonexistent.method"))
}
