package nodestore

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/signalwire/blade-client-go/internal/wire"
)

// subKey builds the "protocol:channel" composite key the original uses
// for its subscription hash (spec §4.4).
func subKey(protocol, channel string) string {
	return protocol + ":" + channel
}

// Store is the node store proper: five independently-locked maps plus the
// set of protocols known only by name (uncertified, no providers locally
// confirmed), exactly mirroring the original's swclt_store_create layout.
type Store struct {
	routesMu sync.RWMutex
	routes   map[string]*Route

	protocolsMu sync.RWMutex
	protocols   map[string]*Protocol

	subsMu sync.RWMutex
	subs   map[string]*Subscription

	identitiesMu sync.RWMutex
	identities   map[string]string // identity -> nodeid

	authoritiesMu sync.RWMutex
	authorities   map[string]*Authority

	uncertifiedMu sync.RWMutex
	uncertified   map[string]struct{}

	callbacksMu      sync.RWMutex
	onProtocolAdd    []func(protocol string)
	onProtocolRemove []func(protocol string)
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		routes:      make(map[string]*Route),
		protocols:   make(map[string]*Protocol),
		subs:        make(map[string]*Subscription),
		identities:  make(map[string]string),
		authorities: make(map[string]*Authority),
		uncertified: make(map[string]struct{}),
	}
}

// OnProtocolAdd registers a callback fired whenever a protocol is learned,
// whether from an explicit protocol.add netcast or opportunistically from
// the first provider.add seen for it (mirrors __invoke_cb_protocol_add).
func (s *Store) OnProtocolAdd(cb func(protocol string)) {
	s.callbacksMu.Lock()
	defer s.callbacksMu.Unlock()
	s.onProtocolAdd = append(s.onProtocolAdd, cb)
}

// OnProtocolRemove registers a callback fired whenever a protocol is
// forgotten, whether from an explicit protocol.remove netcast or because
// its last provider was removed (mirrors __invoke_cb_protocol_remove).
func (s *Store) OnProtocolRemove(cb func(protocol string)) {
	s.callbacksMu.Lock()
	defer s.callbacksMu.Unlock()
	s.onProtocolRemove = append(s.onProtocolRemove, cb)
}

func (s *Store) fireProtocolAdd(protocol string) {
	s.callbacksMu.RLock()
	cbs := s.onProtocolAdd
	s.callbacksMu.RUnlock()
	for _, cb := range cbs {
		cb(protocol)
	}
}

func (s *Store) fireProtocolRemove(protocol string) {
	s.callbacksMu.RLock()
	cbs := s.onProtocolRemove
	s.callbacksMu.RUnlock()
	for _, cb := range cbs {
		cb(protocol)
	}
}

// Seed populates the store from a blade.connect reply, the way
// __populate_routes/__populate_protocols/__populate_subscriptions/
// __populate_authorities/__populate_protocols_uncertified do in the
// original session setup.
func (s *Store) Seed(reply *wire.ConnectReply) error {
	if len(reply.Routes) > 0 {
		var routes []wire.RouteEntry
		if err := json.Unmarshal(reply.Routes, &routes); err != nil {
			return fmt.Errorf("nodestore: seeding routes: %w", err)
		}
		for _, re := range routes {
			s.putRoute(&Route{NodeID: re.NodeID, Certified: re.Certified})
			for _, identity := range re.Identities {
				s.putIdentity(identity, re.NodeID)
			}
		}
	}

	if len(reply.Protocols) > 0 {
		var protos []wire.ProtocolEntry
		if err := json.Unmarshal(reply.Protocols, &protos); err != nil {
			return fmt.Errorf("nodestore: seeding protocols: %w", err)
		}
		for _, pe := range protos {
			p := &Protocol{
				Name:                          pe.Name,
				DefaultMethodExecuteAccess:    int(pe.DefaultMethodExecuteAccess),
				DefaultChannelSubscribeAccess: int(pe.DefaultChannelSubscribeAccess),
				DefaultChannelBroadcastAccess: int(pe.DefaultChannelBroadcastAccess),
				Channels:                      make(map[string]struct{}, len(pe.Channels)),
				Providers:                     make(map[string]*Provider, len(pe.Providers)),
			}
			for _, ch := range pe.Channels {
				p.Channels[ch] = struct{}{}
			}
			for _, pr := range pe.Providers {
				p.Providers[pr.NodeID] = &Provider{NodeID: pr.NodeID, Rank: pr.Rank, Data: pr.Data}
			}
			s.putProtocol(p)
		}
	}

	if len(reply.Subscriptions) > 0 {
		var subs []wire.SubscriptionEntry
		if err := json.Unmarshal(reply.Subscriptions, &subs); err != nil {
			return fmt.Errorf("nodestore: seeding subscriptions: %w", err)
		}
		for _, se := range subs {
			s.putSubscription(&Subscription{Protocol: se.Protocol, Channel: se.Channel})
		}
	}

	if len(reply.Authorities) > 0 {
		var auths []string
		if err := json.Unmarshal(reply.Authorities, &auths); err != nil {
			return fmt.Errorf("nodestore: seeding authorities: %w", err)
		}
		for _, nodeid := range auths {
			s.putAuthority(&Authority{NodeID: nodeid})
		}
	}

	if len(reply.ProtocolsUncertified) > 0 {
		var names []string
		if err := json.Unmarshal(reply.ProtocolsUncertified, &names); err != nil {
			return fmt.Errorf("nodestore: seeding uncertified protocols: %w", err)
		}
		for _, name := range names {
			s.markUncertified(name)
		}
	}

	return nil
}

func (s *Store) putRoute(r *Route) {
	s.routesMu.Lock()
	defer s.routesMu.Unlock()
	s.routes[r.NodeID] = r
}

func (s *Store) removeRoute(nodeid string) {
	s.routesMu.Lock()
	delete(s.routes, nodeid)
	s.routesMu.Unlock()
}

// removeRouteCascade tears down everything the original's
// __update_route_remove cascades from a departing node: its identities,
// its provider entries on every protocol (removing any protocol left with
// no providers), and its authority entry.
func (s *Store) removeRouteCascade(nodeid string) {
	s.removeRoute(nodeid)
	s.removeIdentitiesByNodeID(nodeid)
	s.removeProviderFromProtocols(nodeid)
	s.removeAuthority(nodeid)
}

// removeIdentitiesByNodeID deletes every identity string that currently
// resolves to nodeid (mirrors __remove_identities_by_nodeid).
func (s *Store) removeIdentitiesByNodeID(nodeid string) {
	s.identitiesMu.Lock()
	defer s.identitiesMu.Unlock()
	for identity, id := range s.identities {
		if id == nodeid {
			delete(s.identities, identity)
		}
	}
}

// removeProviderFromProtocols deletes nodeid's provider entry from every
// protocol that has one, deleting any protocol left with zero providers
// and firing protocol.remove for it (mirrors __remove_provider_from_protocols).
func (s *Store) removeProviderFromProtocols(nodeid string) {
	var emptied []string

	s.protocolsMu.Lock()
	for name, proto := range s.protocols {
		if _, ok := proto.Providers[nodeid]; !ok {
			continue
		}
		delete(proto.Providers, nodeid)
		if len(proto.Providers) == 0 {
			delete(s.protocols, name)
			emptied = append(emptied, name)
		}
	}
	s.protocolsMu.Unlock()

	for _, name := range emptied {
		s.fireProtocolRemove(name)
	}
}

func (s *Store) putIdentity(identity, nodeid string) {
	s.identitiesMu.Lock()
	defer s.identitiesMu.Unlock()
	s.identities[identity] = nodeid
}

func (s *Store) removeIdentity(identity string) {
	s.identitiesMu.Lock()
	defer s.identitiesMu.Unlock()
	delete(s.identities, identity)
}

func (s *Store) putProtocol(p *Protocol) {
	s.protocolsMu.Lock()
	defer s.protocolsMu.Unlock()
	s.protocols[p.Name] = p
}

func (s *Store) removeProtocol(name string) {
	s.protocolsMu.Lock()
	defer s.protocolsMu.Unlock()
	delete(s.protocols, name)
}

func (s *Store) putSubscription(sub *Subscription) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.subs[subKey(sub.Protocol, sub.Channel)] = sub
}

func (s *Store) removeSubscription(protocol, channel string) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	delete(s.subs, subKey(protocol, channel))
}

func (s *Store) putAuthority(a *Authority) {
	s.authoritiesMu.Lock()
	defer s.authoritiesMu.Unlock()
	s.authorities[a.NodeID] = a
}

func (s *Store) removeAuthority(nodeid string) {
	s.authoritiesMu.Lock()
	defer s.authoritiesMu.Unlock()
	delete(s.authorities, nodeid)
}

func (s *Store) markUncertified(protocol string) {
	s.uncertifiedMu.Lock()
	defer s.uncertifiedMu.Unlock()
	s.uncertified[protocol] = struct{}{}
}

func (s *Store) clearUncertified(protocol string) {
	s.uncertifiedMu.Lock()
	defer s.uncertifiedMu.Unlock()
	delete(s.uncertified, protocol)
}

// clearUncertifiedIfPresent removes protocol from the uncertified set and
// reports whether it was actually present, the way ks_hash_remove's return
// value drives __update_protocol_remove's decision to fire protocol.remove.
func (s *Store) clearUncertifiedIfPresent(protocol string) bool {
	s.uncertifiedMu.Lock()
	defer s.uncertifiedMu.Unlock()
	_, ok := s.uncertified[protocol]
	delete(s.uncertified, protocol)
	return ok
}
