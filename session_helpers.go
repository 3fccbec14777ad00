package blade

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/signalwire/blade-client-go/internal/command"
	"github.com/signalwire/blade-client-go/internal/wire"
)

// call submits a command upstream and waits for its reply, the shared
// path every high-level helper below goes through (spec §4.2/§4.5).
func (s *Session) call(ctx context.Context, typ command.Type, params interface{}) (json.RawMessage, error) {
	select {
	case <-s.closed:
		return nil, ErrSessionClosed
	default:
	}

	s.mu.RLock()
	conn := s.conn
	state := s.state
	registry := s.registry
	s.mu.RUnlock()

	if conn == nil || state == StateOffline || registry == nil {
		return nil, ErrNotConnected
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("blade: encoding %s params: %w", typ, err)
	}

	cmd := command.New(typ, raw, DefaultCommandTTL, command.FlagNone)
	future, err := registry.Submit(cmd)
	if err != nil {
		return nil, fmt.Errorf("blade: submitting %s: %w", typ, err)
	}

	envelope, err := cmd.Envelope().Marshal()
	if err != nil {
		return nil, fmt.Errorf("blade: encoding %s envelope: %w", typ, err)
	}

	if err := conn.Send(ctx, envelope); err != nil {
		_ = registry.Cancel(cmd.ID, err)
		return nil, fmt.Errorf("blade: sending %s: %w", typ, err)
	}

	reply, err := future.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if !reply.OK() {
		return nil, reply.AsError()
	}
	return reply.Result, nil
}

// netcast submits a netcast request wrapping cmdName, the envelope every
// cluster-mutating helper below shares.
func (s *Session) netcast(ctx context.Context, cmdName string, params interface{}) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("blade: encoding netcast params: %w", err)
	}
	nc := wire.NetcastRequest{Command: cmdName, Params: raw}
	return s.call(ctx, command.TypeNetcast, nc)
}

// Broadcast publishes an event to every subscriber of protocol:channel.
func (s *Session) Broadcast(ctx context.Context, protocol, channel, event string, params json.RawMessage) error {
	req := wire.BroadcastRequest{Protocol: protocol, Channel: channel, Event: event, Params: params}
	_, err := s.call(ctx, command.TypeBroadcast, req)
	return err
}

// SubscriptionAdd subscribes this session to protocol:channel broadcasts.
func (s *Session) SubscriptionAdd(ctx context.Context, protocol, channel string) error {
	_, err := s.netcast(ctx, wire.NetcastSubscriptionAdd, wire.SubscriptionAddRequest{Protocol: protocol, Channel: channel})
	return err
}

// SubscriptionRemove undoes a prior SubscriptionAdd.
func (s *Session) SubscriptionRemove(ctx context.Context, protocol, channel string) error {
	_, err := s.netcast(ctx, wire.NetcastSubscriptionRemove, wire.SubscriptionRemoveRequest{Protocol: protocol, Channel: channel})
	return err
}

// ProtocolProviderAdd announces this node as a provider of protocol.
func (s *Session) ProtocolProviderAdd(ctx context.Context, params wire.ProtocolProviderAddParams) error {
	if params.NodeID == "" {
		params.NodeID = s.NodeID()
	}
	if params.Rank == 0 {
		params.Rank = 1
	}
	_, err := s.netcast(ctx, wire.NetcastProtocolProviderAdd, params)
	return err
}

// ProtocolProviderRemove retracts a prior ProtocolProviderAdd.
func (s *Session) ProtocolProviderRemove(ctx context.Context, protocol string) error {
	params := wire.ProtocolProviderRemoveParams{Protocol: protocol, NodeID: s.NodeID()}
	_, err := s.netcast(ctx, wire.NetcastProtocolProviderRemove, params)
	return err
}

// ProtocolProviderRankUpdate updates this node's rank as a provider of protocol.
func (s *Session) ProtocolProviderRankUpdate(ctx context.Context, protocol string, rank int) error {
	params := wire.ProtocolProviderRankUpdateParams{Protocol: protocol, NodeID: s.NodeID(), Rank: rank}
	_, err := s.netcast(ctx, wire.NetcastProtocolProviderRankUpdate, params)
	return err
}

// IdentityAdd registers identity as resolving to this node.
func (s *Session) IdentityAdd(ctx context.Context, identity string) error {
	params := wire.IdentityAddParams{Identity: identity, NodeID: s.NodeID()}
	_, err := s.netcast(ctx, wire.NetcastIdentityAdd, params)
	return err
}

// Execute sends a blade.execute request to responder for a method on
// protocol, returning the raw JSON result.
func (s *Session) Execute(ctx context.Context, responder, protocol, method string, params json.RawMessage) (json.RawMessage, error) {
	req := wire.ExecuteRequest{
		Responder:       responder,
		Protocol:        protocol,
		Method:          method,
		RequesterNodeID: s.NodeID(),
		Params:          params,
	}
	return s.call(ctx, command.TypeExecute, req)
}

// ExecuteOnProtocol selects a provider of protocol via the node store's
// uniform random selection and executes method against it.
func (s *Session) ExecuteOnProtocol(ctx context.Context, protocol, method string, params json.RawMessage) (json.RawMessage, error) {
	provider, ok := s.store.SelectProvider(protocol)
	if !ok {
		return nil, ErrUnknownProtocol
	}
	return s.Execute(ctx, provider.NodeID, protocol, method, params)
}

// checkProtocolAttempts and checkProtocolInterval bound how long
// SignalwireSetup waits for the provisioned protocol instance to appear
// in the local node store before giving up.
const (
	checkProtocolAttempts = 20
	checkProtocolInterval = 100 * time.Millisecond
)

// signalwireSetupResult is the shape of a signalwire.setup execute result:
// the name of the protocol instance provisioned for the requested service.
type signalwireSetupResult struct {
	Protocol string `json:"protocol"`
}

// SignalwireSetup performs the "signalwire" protocol's "setup" method
// execute for service, the bootstrap call the original client issues once
// per named service before using it. It then polls the local node store
// until the provisioned protocol instance becomes visible (the upstream
// netcast announcing it can lag the setup reply slightly) and subscribes
// to that protocol's "notifications" channel, returning the resolved
// protocol name.
func (s *Session) SignalwireSetup(ctx context.Context, service string) (string, error) {
	params, err := json.Marshal(map[string]string{"service": service})
	if err != nil {
		return "", fmt.Errorf("blade: encoding signalwire setup params: %w", err)
	}

	result, err := s.ExecuteOnProtocol(ctx, "signalwire", "setup", params)
	if err != nil {
		return "", err
	}

	var setup signalwireSetupResult
	if err := json.Unmarshal(result, &setup); err != nil || setup.Protocol == "" {
		return "", fmt.Errorf("blade: signalwire setup for %q returned no protocol", service)
	}

	found := false
	for attempt := 0; attempt < checkProtocolAttempts; attempt++ {
		if s.store.HasProtocol(setup.Protocol) {
			found = true
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(checkProtocolInterval):
		}
	}
	if !found {
		return "", fmt.Errorf("blade: signalwire setup for %q: protocol %q never appeared", service, setup.Protocol)
	}

	if err := s.SubscriptionAdd(ctx, setup.Protocol, "notifications"); err != nil {
		return "", fmt.Errorf("blade: subscribing to %q notifications: %w", setup.Protocol, err)
	}

	return setup.Protocol, nil
}
