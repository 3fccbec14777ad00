package blade

import "errors"

// Sentinel errors a caller can match with errors.Is (spec §7).
var (
	// ErrNotConnected is returned by any upstream-facing call made before
	// Connect succeeds, or after the session has gone offline.
	ErrNotConnected = errors.New("blade: session is not connected")

	// ErrAlreadyConnected is returned if Connect is called on a session
	// that is already online.
	ErrAlreadyConnected = errors.New("blade: session already connected")

	// ErrAuthFailed is returned when the upstream rejects the connect
	// request's authentication (jsonrpc error code -32002).
	ErrAuthFailed = errors.New("blade: authentication failed")

	// ErrSessionClosed is returned by calls made after Close.
	ErrSessionClosed = errors.New("blade: session closed")

	// ErrUnknownProtocol is returned when an execute is addressed to a
	// protocol with no known provider.
	ErrUnknownProtocol = errors.New("blade: no provider for protocol")
)
