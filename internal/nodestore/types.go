// Package nodestore is the concurrent in-memory mirror of cluster state a
// Blade session maintains: routes, protocols and their providers,
// subscriptions, identities, and authorities (spec §4.4). It is seeded
// from a blade.connect reply and kept current by netcast broadcasts.
package nodestore

import "encoding/json"

// Route is one node known to the mesh.
type Route struct {
	NodeID     string
	Certified  bool
}

// Provider is one node offering a protocol, ranked for selection.
type Provider struct {
	NodeID string
	Rank   int
	Data   json.RawMessage
}

// Protocol is a named capability some set of providers offer.
type Protocol struct {
	Name                          string
	DefaultMethodExecuteAccess    int
	DefaultChannelSubscribeAccess int
	DefaultChannelBroadcastAccess int
	Channels                      map[string]struct{}
	Providers                     map[string]*Provider // keyed by nodeid
}

// Subscription is a local or remote subscriber to a protocol channel.
type Subscription struct {
	Protocol string
	Channel  string
}

// Authority is a node permitted to issue authoritative netcasts.
type Authority struct {
	NodeID string
}
