package nodestore

import (
	"math/rand"
)

// HasProtocol reports whether a protocol is known at all, certified or not.
func (s *Store) HasProtocol(name string) bool {
	s.protocolsMu.RLock()
	_, ok := s.protocols[name]
	s.protocolsMu.RUnlock()
	return ok
}

// IsUncertified reports whether a protocol is currently marked
// uncertified (known by name only, not yet backed by a confirmed provider
// set from the upstream authority).
func (s *Store) IsUncertified(name string) bool {
	s.uncertifiedMu.RLock()
	_, ok := s.uncertified[name]
	s.uncertifiedMu.RUnlock()
	return ok
}

// Providers returns a snapshot of every provider currently registered for
// a protocol. Returns nil if the protocol is unknown.
func (s *Store) Providers(protocol string) []Provider {
	s.protocolsMu.RLock()
	defer s.protocolsMu.RUnlock()

	proto, ok := s.protocols[protocol]
	if !ok {
		return nil
	}
	out := make([]Provider, 0, len(proto.Providers))
	for _, p := range proto.Providers {
		out = append(out, *p)
	}
	return out
}

// SelectProvider picks a provider for protocol uniformly at random from
// its full provider set, mirroring __select_random_protocol_provider's
// plain rand() % count over the providers array with no rank filtering.
// Returns false if the protocol has no providers.
func (s *Store) SelectProvider(protocol string) (Provider, bool) {
	s.protocolsMu.RLock()
	defer s.protocolsMu.RUnlock()

	proto, ok := s.protocols[protocol]
	if !ok || len(proto.Providers) == 0 {
		return Provider{}, false
	}

	candidates := make([]*Provider, 0, len(proto.Providers))
	for _, p := range proto.Providers {
		candidates = append(candidates, p)
	}
	chosen := candidates[rand.Intn(len(candidates))]
	return *chosen, true
}

// NodeIdentities returns every identity string mapped to nodeid.
func (s *Store) NodeIdentities(nodeid string) []string {
	s.identitiesMu.RLock()
	defer s.identitiesMu.RUnlock()

	var out []string
	for identity, id := range s.identities {
		if id == nodeid {
			out = append(out, identity)
		}
	}
	return out
}

// ResolveIdentity looks up the nodeid an identity string maps to.
func (s *Store) ResolveIdentity(identity string) (string, bool) {
	s.identitiesMu.RLock()
	defer s.identitiesMu.RUnlock()
	nodeid, ok := s.identities[identity]
	return nodeid, ok
}

// IsAuthority reports whether nodeid is a registered authority.
func (s *Store) IsAuthority(nodeid string) bool {
	s.authoritiesMu.RLock()
	_, ok := s.authorities[nodeid]
	s.authoritiesMu.RUnlock()
	return ok
}

// HasRoute reports whether nodeid is known in the route table.
func (s *Store) HasRoute(nodeid string) bool {
	s.routesMu.RLock()
	_, ok := s.routes[nodeid]
	s.routesMu.RUnlock()
	return ok
}

// Subscribed reports whether a protocol:channel subscription is present.
func (s *Store) Subscribed(protocol, channel string) bool {
	s.subsMu.RLock()
	_, ok := s.subs[subKey(protocol, channel)]
	s.subsMu.RUnlock()
	return ok
}

// RouteCount, ProtocolCount and AuthorityCount support metrics/diagnostics
// without exposing the maps themselves.
func (s *Store) RouteCount() int {
	s.routesMu.RLock()
	defer s.routesMu.RUnlock()
	return len(s.routes)
}

func (s *Store) ProtocolCount() int {
	s.protocolsMu.RLock()
	defer s.protocolsMu.RUnlock()
	return len(s.protocols)
}

func (s *Store) AuthorityCount() int {
	s.authoritiesMu.RLock()
	defer s.authoritiesMu.RUnlock()
	return len(s.authorities)
}
