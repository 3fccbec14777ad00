package nodestore

import (
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalwire/blade-client-go/internal/wire"
)

func seedReply(t *testing.T) *wire.ConnectReply {
	t.Helper()
	routes, err := json.Marshal([]wire.RouteEntry{
		{NodeID: "node-1", Certified: true, Identities: []string{"alice"}},
		{NodeID: "node-2", Certified: false},
	})
	require.NoError(t, err)

	protocols, err := json.Marshal([]wire.ProtocolEntry{
		{
			Name:     "echo",
			Channels: []string{"default"},
			Providers: []wire.ProviderEntry{
				{NodeID: "node-1", Rank: 1},
			},
		},
	})
	require.NoError(t, err)

	subs, err := json.Marshal([]wire.SubscriptionEntry{
		{Protocol: "echo", Channel: "default"},
	})
	require.NoError(t, err)

	authorities, err := json.Marshal([]string{"node-1"})
	require.NoError(t, err)

	uncertified, err := json.Marshal([]string{"beta"})
	require.NoError(t, err)

	return &wire.ConnectReply{
		Routes:               routes,
		Protocols:            protocols,
		Subscriptions:        subs,
		Authorities:          authorities,
		ProtocolsUncertified: uncertified,
	}
}

func TestStoreSeed(t *testing.T) {
	s := New()
	require.NoError(t, s.Seed(seedReply(t)))

	assert.True(t, s.HasRoute("node-1"))
	assert.True(t, s.HasRoute("node-2"))
	assert.False(t, s.HasRoute("node-3"))

	nodeid, ok := s.ResolveIdentity("alice")
	require.True(t, ok)
	assert.Equal(t, "node-1", nodeid)

	assert.True(t, s.HasProtocol("echo"))
	providers := s.Providers("echo")
	require.Len(t, providers, 1)
	assert.Equal(t, "node-1", providers[0].NodeID)

	assert.True(t, s.Subscribed("echo", "default"))
	assert.True(t, s.IsAuthority("node-1"))
	assert.True(t, s.IsUncertified("beta"))
}

func TestApplyProviderAddAndRemove(t *testing.T) {
	s := New()
	log := slog.Default()

	addParams, err := json.Marshal(wire.ProtocolProviderAddParams{
		Protocol: "echo",
		NodeID:   "node-9",
		Rank:     5,
		Channels: []string{"c1"},
	})
	require.NoError(t, err)
	require.NoError(t, s.Apply(log, &wire.NetcastRequest{Command: wire.NetcastProtocolProviderAdd, Params: addParams}))

	provider, ok := s.SelectProvider("echo")
	require.True(t, ok)
	assert.Equal(t, "node-9", provider.NodeID)
	assert.Equal(t, 5, provider.Rank)

	removeParams, err := json.Marshal(wire.ProtocolProviderRemoveParams{Protocol: "echo", NodeID: "node-9"})
	require.NoError(t, err)
	require.NoError(t, s.Apply(log, &wire.NetcastRequest{Command: wire.NetcastProtocolProviderRemove, Params: removeParams}))

	_, ok = s.SelectProvider("echo")
	assert.False(t, ok)
}

func TestApplyRankUpdatePersistsRank(t *testing.T) {
	s := New()
	log := slog.Default()

	for _, p := range []wire.ProtocolProviderAddParams{
		{Protocol: "echo", NodeID: "low", Rank: 1},
		{Protocol: "echo", NodeID: "high", Rank: 1},
	} {
		raw, err := json.Marshal(p)
		require.NoError(t, err)
		require.NoError(t, s.Apply(log, &wire.NetcastRequest{Command: wire.NetcastProtocolProviderAdd, Params: raw}))
	}

	rankParams, err := json.Marshal(wire.ProtocolProviderRankUpdateParams{Protocol: "echo", NodeID: "high", Rank: 9})
	require.NoError(t, err)
	require.NoError(t, s.Apply(log, &wire.NetcastRequest{Command: wire.NetcastProtocolProviderRankUpdate, Params: rankParams}))

	providers := s.Providers("echo")
	require.Len(t, providers, 2)
	for _, p := range providers {
		if p.NodeID == "high" {
			assert.Equal(t, 9, p.Rank)
		}
	}
}

func TestSelectProviderUniformAcrossProviders(t *testing.T) {
	s := New()
	log := slog.Default()

	for _, p := range []wire.ProtocolProviderAddParams{
		{Protocol: "echo", NodeID: "a", Rank: 1},
		{Protocol: "echo", NodeID: "b", Rank: 99},
	} {
		raw, err := json.Marshal(p)
		require.NoError(t, err)
		require.NoError(t, s.Apply(log, &wire.NetcastRequest{Command: wire.NetcastProtocolProviderAdd, Params: raw}))
	}

	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		provider, ok := s.SelectProvider("echo")
		require.True(t, ok)
		seen[provider.NodeID] = true
	}
	assert.True(t, seen["a"], "low-rank provider must be selectable, rank is not a filter")
	assert.True(t, seen["b"])
}

func TestApplyUnrecognizedCommandIsIgnored(t *testing.T) {
	s := New()
	err := s.Apply(slog.Default(), &wire.NetcastRequest{Command: "no.such.command", Params: json.RawMessage(`{}`)})
	assert.NoError(t, err)
}

func TestApplySubscriptionAddRemove(t *testing.T) {
	s := New()
	log := slog.Default()

	addParams, err := json.Marshal(wire.SubscriptionAddRequest{Protocol: "chat", Channel: "room1"})
	require.NoError(t, err)
	require.NoError(t, s.Apply(log, &wire.NetcastRequest{Command: wire.NetcastSubscriptionAdd, Params: addParams}))
	assert.True(t, s.Subscribed("chat", "room1"))

	removeParams, err := json.Marshal(wire.SubscriptionRemoveRequest{Protocol: "chat", Channel: "room1"})
	require.NoError(t, err)
	require.NoError(t, s.Apply(log, &wire.NetcastRequest{Command: wire.NetcastSubscriptionRemove, Params: removeParams}))
	assert.False(t, s.Subscribed("chat", "room1"))
}

func TestApplyRouteRemoveCascades(t *testing.T) {
	s := New()
	require.NoError(t, s.Seed(seedReply(t)))

	var removedProtocols []string
	s.OnProtocolRemove(func(protocol string) { removedProtocols = append(removedProtocols, protocol) })

	removeParams, err := json.Marshal(wire.RouteRemoveParams{NodeID: "node-1"})
	require.NoError(t, err)
	require.NoError(t, s.Apply(slog.Default(), &wire.NetcastRequest{Command: wire.NetcastRouteRemove, Params: removeParams}))

	assert.False(t, s.HasRoute("node-1"))
	_, ok := s.ResolveIdentity("alice")
	assert.False(t, ok, "identities mapped to the departing node must be removed")
	assert.False(t, s.IsAuthority("node-1"))
	assert.False(t, s.HasProtocol("echo"), "protocol left with no providers must be removed")
	assert.Contains(t, removedProtocols, "echo")
}

func TestApplyProviderRemoveFiresProtocolRemoveWhenEmptied(t *testing.T) {
	s := New()
	log := slog.Default()

	var added, removed []string
	s.OnProtocolAdd(func(protocol string) { added = append(added, protocol) })
	s.OnProtocolRemove(func(protocol string) { removed = append(removed, protocol) })

	addParams, err := json.Marshal(wire.ProtocolProviderAddParams{Protocol: "solo", NodeID: "node-9", Rank: 1})
	require.NoError(t, err)
	require.NoError(t, s.Apply(log, &wire.NetcastRequest{Command: wire.NetcastProtocolProviderAdd, Params: addParams}))
	assert.Contains(t, added, "solo")

	removeParams, err := json.Marshal(wire.ProtocolProviderRemoveParams{Protocol: "solo", NodeID: "node-9"})
	require.NoError(t, err)
	require.NoError(t, s.Apply(log, &wire.NetcastRequest{Command: wire.NetcastProtocolProviderRemove, Params: removeParams}))

	assert.False(t, s.HasProtocol("solo"))
	assert.Contains(t, removed, "solo")
}
