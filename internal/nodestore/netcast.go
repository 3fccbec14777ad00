package nodestore

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/signalwire/blade-client-go/internal/wire"
)

// Apply dispatches one inbound netcast to the matching mutator, mirroring
// the original's __update() if/else-if chain over netcast_rqu->command.
// An unrecognized command is logged and ignored rather than treated as an
// error, matching the original's observed behavior of tolerating netcast
// commands it doesn't know about (spec §4.4 edge cases, §9 Open Question).
func (s *Store) Apply(log *slog.Logger, nc *wire.NetcastRequest) error {
	if log == nil {
		log = slog.Default()
	}

	switch nc.Command {
	case wire.NetcastRouteAdd:
		var p wire.RouteAddParams
		if err := unmarshalParams(nc.Params, &p); err != nil {
			return err
		}
		s.putRoute(&Route{NodeID: p.NodeID, Certified: p.Certified})

	case wire.NetcastRouteRemove:
		var p wire.RouteRemoveParams
		if err := unmarshalParams(nc.Params, &p); err != nil {
			return err
		}
		s.removeRouteCascade(p.NodeID)

	case wire.NetcastIdentityAdd:
		var p wire.IdentityAddParams
		if err := unmarshalParams(nc.Params, &p); err != nil {
			return err
		}
		s.putIdentity(p.Identity, p.NodeID)

	case wire.NetcastIdentityRemove:
		var p wire.IdentityRemoveParams
		if err := unmarshalParams(nc.Params, &p); err != nil {
			return err
		}
		s.removeIdentity(p.Identity)

	case wire.NetcastProtocolAdd:
		var p wire.ProtocolAddParams
		if err := unmarshalParams(nc.Params, &p); err != nil {
			return err
		}
		if s.IsUncertified(p.Protocol) {
			return nil
		}
		s.putProtocol(&Protocol{
			Name:      p.Protocol,
			Channels:  make(map[string]struct{}),
			Providers: make(map[string]*Provider),
		})
		s.markUncertified(p.Protocol)
		s.fireProtocolAdd(p.Protocol)

	case wire.NetcastProtocolRemove:
		var p wire.ProtocolRemoveParams
		if err := unmarshalParams(nc.Params, &p); err != nil {
			return err
		}
		s.removeProtocol(p.Protocol)
		matched := s.clearUncertifiedIfPresent(p.Protocol)
		if matched {
			s.fireProtocolRemove(p.Protocol)
		}

	case wire.NetcastProtocolUpdate:
		var p wire.ProtocolUpdateParams
		if err := unmarshalParams(nc.Params, &p); err != nil {
			return err
		}
		s.protocolsMu.Lock()
		if proto, ok := s.protocols[p.Protocol]; ok {
			proto.DefaultMethodExecuteAccess = int(p.DefaultMethodExecuteAccess)
			proto.DefaultChannelSubscribeAccess = int(p.DefaultChannelSubscribeAccess)
			proto.DefaultChannelBroadcastAccess = int(p.DefaultChannelBroadcastAccess)
		}
		s.protocolsMu.Unlock()

	case wire.NetcastProtocolChannelAdd:
		var p wire.ProtocolChannelAddParams
		if err := unmarshalParams(nc.Params, &p); err != nil {
			return err
		}
		s.protocolsMu.Lock()
		if proto, ok := s.protocols[p.Protocol]; ok {
			proto.Channels[p.Channel] = struct{}{}
		}
		s.protocolsMu.Unlock()

	case wire.NetcastProtocolChannelRemove:
		var p wire.ProtocolChannelRemoveParams
		if err := unmarshalParams(nc.Params, &p); err != nil {
			return err
		}
		s.protocolsMu.Lock()
		if proto, ok := s.protocols[p.Protocol]; ok {
			delete(proto.Channels, p.Channel)
		}
		s.protocolsMu.Unlock()

	case wire.NetcastProtocolProviderAdd:
		var p wire.ProtocolProviderAddParams
		if err := unmarshalParams(nc.Params, &p); err != nil {
			return err
		}
		s.addProvider(p)

	case wire.NetcastProtocolProviderRemove:
		var p wire.ProtocolProviderRemoveParams
		if err := unmarshalParams(nc.Params, &p); err != nil {
			return err
		}
		s.removeProvider(p)

	case wire.NetcastProtocolProviderRankUpdate:
		var p wire.ProtocolProviderRankUpdateParams
		if err := unmarshalParams(nc.Params, &p); err != nil {
			return err
		}
		s.protocolsMu.Lock()
		if proto, ok := s.protocols[p.Protocol]; ok {
			if prov, ok := proto.Providers[p.NodeID]; ok {
				prov.Rank = p.Rank
			}
		}
		s.protocolsMu.Unlock()

	case wire.NetcastProtocolProviderDataUpdate:
		var p wire.ProtocolProviderDataUpdateParams
		if err := unmarshalParams(nc.Params, &p); err != nil {
			return err
		}
		s.protocolsMu.Lock()
		if proto, ok := s.protocols[p.Protocol]; ok {
			if prov, ok := proto.Providers[p.NodeID]; ok {
				prov.Data = p.Data
			}
		}
		s.protocolsMu.Unlock()

	case wire.NetcastSubscriptionAdd:
		var p wire.SubscriptionAddRequest
		if err := unmarshalParams(nc.Params, &p); err != nil {
			return err
		}
		s.putSubscription(&Subscription{Protocol: p.Protocol, Channel: p.Channel})

	case wire.NetcastSubscriptionRemove:
		var p wire.SubscriptionRemoveRequest
		if err := unmarshalParams(nc.Params, &p); err != nil {
			return err
		}
		s.removeSubscription(p.Protocol, p.Channel)

	case wire.NetcastAuthorityAdd:
		var p wire.AuthorityAddParams
		if err := unmarshalParams(nc.Params, &p); err != nil {
			return err
		}
		s.putAuthority(&Authority{NodeID: p.NodeID})

	case wire.NetcastAuthorityRemove:
		var p wire.AuthorityRemoveParams
		if err := unmarshalParams(nc.Params, &p); err != nil {
			return err
		}
		s.removeAuthority(p.NodeID)

	case wire.NetcastAuthorizationAdd, wire.NetcastAuthorizationUpdate, wire.NetcastAuthorizationRemove,
		wire.NetcastAccessAdd, wire.NetcastAccessRemove:
		// Authorization/access netcasts describe ACL grants the node store
		// does not itself need to mirror to answer routing queries; the
		// original forwards these to a separate auth cache this client
		// does not implement. Acknowledged and ignored, not an error.
		log.Debug("netcast command acknowledged, not mirrored locally", "command", nc.Command)

	default:
		log.Warn("unrecognized netcast command", "command", nc.Command)
	}

	return nil
}

// addProvider installs or replaces a provider on a protocol, creating the
// protocol entry itself if it's the first one seen for it (the entry is
// not added to the uncertified set),
// matching the original's behavior of learning protocols opportunistically
// from provider announcements.
func (s *Store) addProvider(p wire.ProtocolProviderAddParams) {
	s.protocolsMu.Lock()
	proto, ok := s.protocols[p.Protocol]
	if !ok {
		proto = &Protocol{
			Name:                          p.Protocol,
			DefaultMethodExecuteAccess:    int(p.DefaultMethodExecuteAccess),
			DefaultChannelSubscribeAccess: int(p.DefaultChannelSubscribeAccess),
			DefaultChannelBroadcastAccess: int(p.DefaultChannelBroadcastAccess),
			Channels:                      make(map[string]struct{}),
			Providers:                     make(map[string]*Provider),
		}
		s.protocols[p.Protocol] = proto
	}
	for _, ch := range p.Channels {
		proto.Channels[ch] = struct{}{}
	}

	rank := p.Rank
	if rank == 0 {
		rank = 1
	}
	proto.Providers[p.NodeID] = &Provider{NodeID: p.NodeID, Rank: rank, Data: p.Data}
	s.protocolsMu.Unlock()

	if !ok {
		s.fireProtocolAdd(p.Protocol)
	}
}

// removeProvider drops a provider's entry from its protocol, deleting the
// protocol itself and firing protocol.remove when that empties it
// (mirrors __update_protocol_provider_remove).
func (s *Store) removeProvider(p wire.ProtocolProviderRemoveParams) {
	var emptied bool

	s.protocolsMu.Lock()
	proto, ok := s.protocols[p.Protocol]
	if ok {
		if _, has := proto.Providers[p.NodeID]; has {
			delete(proto.Providers, p.NodeID)
			if len(proto.Providers) == 0 {
				delete(s.protocols, p.Protocol)
				emptied = true
			}
		}
	}
	s.protocolsMu.Unlock()

	if emptied {
		s.fireProtocolRemove(p.Protocol)
	}
}

func unmarshalParams(raw json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("nodestore: decoding netcast params: %w", err)
	}
	return nil
}
