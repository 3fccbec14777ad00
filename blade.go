// Package blade is a client library for the Blade distributed RPC and
// pub/sub fabric: a single long-lived websocket session that sends
// JSON-RPC 2.0 commands upstream, answers inbound ones, and keeps a local
// mirror of cluster routing state current as the upstream broadcasts
// changes to it.
package blade

import (
	"time"

	"github.com/signalwire/blade-client-go/internal/wire"
)

// Defaults mirrors the original client library's compiled-in constants
// (spec §6).
const (
	DefaultCommandTTL   = 10 * time.Second
	DefaultKeepalive    = 10 * time.Second
	DefaultReconnectMin = 2 * time.Second
	DefaultReconnectMax = 5 * time.Second
	DefaultPort         = 2100
)

// ProtocolVersion is the Blade protocol version this client advertises on
// connect.
var ProtocolVersion = wire.ClientVersion
