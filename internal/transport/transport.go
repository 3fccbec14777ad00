// Package transport owns the single long-lived websocket connection to a
// Blade upstream: dialing, TLS, the read loop, and a serialized write path
// (spec §4.1). It knows nothing about commands or JSON-RPC correlation;
// it just moves frames and reports failures.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Default tunables (spec §6).
const (
	DefaultKeepalive  = 10 * time.Second
	DefaultDialTime   = 10 * time.Second
	DefaultWriteWait  = 5 * time.Second
	DefaultPongWait   = 2 * DefaultKeepalive
)

// TLSConfig names the client identity material used to dial an upstream:
// PrivateKeyPath, ClientCertPath, and CertChainPath.
type TLSConfig struct {
	PrivateKeyPath string
	ClientCertPath string
	CertChainPath  string
	InsecureSkipVerify bool

	// PlainText dials ws:// instead of wss://, bypassing TLS entirely.
	// Only meant for tests against a local, unencrypted upstream.
	PlainText bool
}

func (c TLSConfig) empty() bool {
	return c.PrivateKeyPath == "" && c.ClientCertPath == ""
}

// build renders a *tls.Config from the configured material. With no
// client certificate configured it returns a config carrying only
// InsecureSkipVerify (plain TLS, server-auth only).
func (c TLSConfig) build() (*tls.Config, error) {
	cfg := &tls.Config{InsecureSkipVerify: c.InsecureSkipVerify}
	if c.empty() {
		return cfg, nil
	}
	cert, err := tls.LoadX509KeyPair(c.ClientCertPath, c.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("transport: loading client keypair: %w", err)
	}
	cfg.Certificates = []tls.Certificate{cert}

	if c.CertChainPath != "" {
		pem, err := os.ReadFile(c.CertChainPath)
		if err != nil {
			return nil, fmt.Errorf("transport: reading cert chain: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("transport: no certificates parsed from chain %s", c.CertChainPath)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// OnFrame is invoked once per inbound frame, on the read goroutine itself:
// callers must return quickly or hand work off, since the read loop will
// not read the next frame until this returns.
type OnFrame func(raw []byte)

// OnFailed is invoked when the connection fails for any reason (read
// error, write error, or explicit Close). Called at most once.
type OnFailed func(err error)

// Conn is one dialed Blade websocket connection.
type Conn struct {
	log *slog.Logger

	ws *websocket.Conn

	writeMu sync.Mutex

	onFrame  OnFrame
	onFailed OnFailed

	stats *statCounters

	closeOnce sync.Once
	closed    chan struct{}

	keepalive time.Duration
	lastPing  time.Time
	pingMu    sync.Mutex
}

// Dial opens a websocket connection to address (host:port), decorating
// the handshake path the way the original client library does:
// "/<path>:<address>:swclt", where path defaults to "/" when empty.
func Dial(ctx context.Context, address, path string, tlsCfg TLSConfig, log *slog.Logger) (*Conn, error) {
	if log == nil {
		log = slog.Default()
	}
	if path == "" {
		path = "/"
	}

	scheme := "wss"
	var tc *tls.Config
	if tlsCfg.PlainText {
		scheme = "ws"
	} else {
		var err error
		tc, err = tlsCfg.build()
		if err != nil {
			return nil, err
		}
	}

	u := url.URL{Scheme: scheme, Host: address, Path: fmt.Sprintf("%s:%s:swclt", path, address)}

	dialer := websocket.Dialer{
		TLSClientConfig:  tc,
		HandshakeTimeout: DefaultDialTime,
	}

	dialCtx, cancel := context.WithTimeout(ctx, DefaultDialTime)
	defer cancel()

	ws, _, err := dialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", u.String(), err)
	}

	c := &Conn{
		log:       log,
		ws:        ws,
		stats:     newStatCounters(),
		closed:    make(chan struct{}),
		keepalive: DefaultKeepalive,
	}
	c.ws.SetPongHandler(c.onPong)
	return c, nil
}

// SetHandlers installs the frame and failure callbacks. Must be called
// before Run.
func (c *Conn) SetHandlers(onFrame OnFrame, onFailed OnFailed) {
	c.onFrame = onFrame
	c.onFailed = onFailed
}

// Run starts the read loop and keepalive ticker. It blocks until the
// connection fails or ctx is cancelled, and always calls onFailed exactly
// once before returning (even on a clean ctx cancellation, with
// context.Canceled as the error).
func (c *Conn) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		c.readLoop()
	}()
	go func() {
		defer wg.Done()
		c.keepaliveLoop(ctx)
	}()

	wg.Wait()
}

func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.fail(fmt.Errorf("transport: read: %w", err))
			return
		}
		c.stats.recordRead(len(data))
		if c.onFrame != nil {
			c.onFrame(data)
		}
	}
}

func (c *Conn) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(c.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.fail(ctx.Err())
			return
		case <-c.closed:
			return
		case <-ticker.C:
			c.pingMu.Lock()
			c.lastPing = time.Now()
			c.pingMu.Unlock()

			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(DefaultWriteWait))
			c.writeMu.Unlock()
			if err != nil {
				c.fail(fmt.Errorf("transport: ping: %w", err))
				return
			}
		}
	}
}

func (c *Conn) onPong(string) error {
	c.pingMu.Lock()
	sent := c.lastPing
	c.pingMu.Unlock()
	if !sent.IsZero() {
		c.stats.recordPingPong(time.Since(sent))
	}
	return c.ws.SetReadDeadline(time.Now().Add(DefaultPongWait))
}

// Send writes one frame, serialized against concurrent writers and any
// in-flight keepalive ping (spec §4.1's single-writer requirement).
func (c *Conn) Send(ctx context.Context, raw []byte) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultWriteWait)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("transport: set write deadline: %w", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		err = fmt.Errorf("transport: write: %w", err)
		c.fail(err)
		return err
	}
	c.stats.recordWrite(len(raw))
	return nil
}

// Stats returns a snapshot of traffic counters and ping/pong latency.
func (c *Conn) Stats() Stats {
	return c.stats.snapshot()
}

func (c *Conn) fail(err error) {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
		if c.onFailed != nil {
			c.onFailed(err)
		}
	})
}

// Close shuts the connection down from the caller's side.
func (c *Conn) Close() error {
	c.fail(nil)
	return nil
}
