// Package client implements the tunnel client: it holds the control
// connection to the relay, keeps it alive, replays forwarded requests
// against the local service, and reconnects when the transport drops.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"outray/internal/shared/constants"
	"outray/internal/shared/protocol"
)

// State is the client lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Fatal handshake errors end the session instead of reconnecting.
var (
	ErrAuthFailed    = errors.New("authentication failed")
	ErrLimitExceeded = errors.New("tunnel limit exceeded")
	ErrDisplaced     = errors.New("tunnel taken over by another client")
	ErrAborted       = errors.New("aborted by operator")
)

// Events carries optional UI callbacks. Nil fields are skipped. The
// callbacks run on client goroutines and must not block.
type Events struct {
	Opened       func(tunnelID, url string)
	Reconnecting func(err error)
	Request      func(method, path string, status int, elapsed time.Duration)
}

// Options configures a Client.
type Options struct {
	// ServerURL is the control endpoint, e.g. wss://relay.example.com/_tunnel/ws.
	ServerURL string

	// LocalHost and LocalPort name the service being exposed.
	LocalHost string
	LocalPort int

	APIKey       string
	Subdomain    string
	CustomDomain string

	// KeepaliveInterval is the ping cadence while open. Zero means the
	// default.
	KeepaliveInterval time.Duration

	// ReconnectDelay is the wait between reconnect attempts. With
	// MaxReconnectDelay unset the delay stays flat; setting it enables
	// exponential growth up to that bound.
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration

	// Prompter resolves subdomain conflicts. Nil falls back to a random
	// identity without asking.
	Prompter ConflictPrompter

	Events Events
	Logger *zap.Logger
}

type sessionOutcome int

const (
	outcomeRetry sessionOutcome = iota
	outcomeRetryNow
	outcomeTerminate
)

// Client runs the tunnel lifecycle against one relay.
type Client struct {
	opts      Options
	logger    *zap.Logger
	forwarder *Forwarder
	backoff   *backoff.Backoff
	clientID  string

	state atomic.Int32

	// Conflict-resolution bookkeeping, touched only by the run loop.
	subdomain     string
	forceTakeover bool
	takeoverTried bool
	prompted      bool
	assignedID    string
	assignedURL   string

	mu      sync.Mutex
	ws      *websocket.Conn
	stopped bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a client. Call Run to start it.
func New(opts Options) (*Client, error) {
	if opts.ServerURL == "" {
		return nil, fmt.Errorf("server URL is required")
	}
	if opts.LocalPort <= 0 {
		return nil, fmt.Errorf("local port is required")
	}
	if opts.LocalHost == "" {
		opts.LocalHost = "localhost"
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = constants.KeepaliveInterval
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = constants.ReconnectDelay
	}
	if opts.MaxReconnectDelay < opts.ReconnectDelay {
		// Flat delay keeps recovery fast after brief relay restarts.
		opts.MaxReconnectDelay = opts.ReconnectDelay
	}
	if opts.Prompter == nil {
		opts.Prompter = acceptRandom{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Client{
		opts:      opts,
		logger:    opts.Logger,
		forwarder: NewForwarder(opts.LocalHost, opts.LocalPort, opts.Logger),
		backoff: &backoff.Backoff{
			Min:    opts.ReconnectDelay,
			Max:    opts.MaxReconnectDelay,
			Factor: 2,
		},
		clientID:  uuid.NewString(),
		subdomain: opts.Subdomain,
		stopCh:    make(chan struct{}),
	}, nil
}

// State reports the current lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// TunnelURL reports the most recently assigned public URL, if any.
func (c *Client) TunnelURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.assignedURL
}

// Run connects and services the tunnel until Stop is called, the server
// ends the session, or a fatal handshake error occurs. It reconnects
// through transient failures.
func (c *Client) Run(ctx context.Context) error {
	for {
		if c.isStopped() || ctx.Err() != nil {
			c.state.Store(int32(StateTerminated))
			return nil
		}

		c.state.Store(int32(StateConnecting))
		outcome, err := c.session(ctx)

		switch outcome {
		case outcomeTerminate:
			c.state.Store(int32(StateTerminated))
			if errors.Is(err, errStopped) {
				return nil
			}
			return err

		case outcomeRetryNow:
			// A takeover or conflict-policy retry goes straight back
			// into the handshake.
			continue

		default:
			c.state.Store(int32(StateReconnecting))
			delay := c.backoff.Duration()
			if err != nil {
				c.logger.Info("Connection lost, reconnecting",
					zap.Duration("delay", delay),
					zap.Error(err),
				)
			}
			if c.opts.Events.Reconnecting != nil {
				c.opts.Events.Reconnecting(err)
			}
			select {
			case <-time.After(delay):
			case <-c.stopCh:
			case <-ctx.Done():
			}
		}
	}
}

// Stop disables reconnection and closes the transport. Idempotent.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.stopped = true
		ws := c.ws
		c.mu.Unlock()

		close(c.stopCh)
		if ws != nil {
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			ws.Close()
		}
	})
}

var errStopped = errors.New("client stopped")

// session runs one connect-handshake-serve cycle and reports how the
// run loop should proceed.
func (c *Client) session(ctx context.Context) (sessionOutcome, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, c.opts.ServerURL, nil)
	if err != nil {
		return outcomeRetry, fmt.Errorf("dial %s: %w", c.opts.ServerURL, err)
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		ws.Close()
		return outcomeTerminate, errStopped
	}
	c.ws = ws
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
		ws.Close()
	}()

	readTimeout := 3 * c.opts.KeepaliveInterval
	ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	if err := c.send(ws, &protocol.Hello{ClientID: c.clientID}); err != nil {
		return outcomeRetry, err
	}
	if err := c.send(ws, &protocol.OpenTunnel{
		APIKey:        c.opts.APIKey,
		Subdomain:     c.subdomain,
		CustomDomain:  c.opts.CustomDomain,
		ForceTakeover: c.forceTakeover,
	}); err != nil {
		return outcomeRetry, err
	}

	// In-flight forwards are cancelled before the wait so a hung local
	// service cannot stall reconnection.
	var wg sync.WaitGroup
	defer wg.Wait()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stopPing := make(chan struct{})
	defer close(stopPing)
	go c.keepalive(ws, stopPing)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return c.classifyClose(err)
		}
		ws.SetReadDeadline(time.Now().Add(readTimeout))

		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("Dropping malformed message", zap.Error(err))
			continue
		}

		switch m := msg.(type) {
		case *protocol.TunnelOpened:
			c.handleOpened(m)

		case *protocol.Error:
			if outcome, err, done := c.handleError(m); done {
				return outcome, err
			}

		case *protocol.Request:
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.handleRequest(sessionCtx, ws, m)
			}()

		default:
			c.logger.Warn("Unexpected message kind", zap.String("type", string(msg.Kind())))
		}
	}
}

func (c *Client) handleOpened(m *protocol.TunnelOpened) {
	c.forceTakeover = false
	// A successful open starts a fresh conflict episode, so a later
	// drop gets its own reclaim attempt.
	c.takeoverTried = false
	c.backoff.Reset()

	c.mu.Lock()
	c.assignedID = m.TunnelID
	c.assignedURL = m.URL
	c.mu.Unlock()

	// Reconnects target the assigned identity, not the original ask.
	c.subdomain = m.TunnelID
	c.state.Store(int32(StateOpen))

	c.logger.Info("Tunnel open",
		zap.String("tunnel_id", m.TunnelID),
		zap.String("url", m.URL),
	)
	if c.opts.Events.Opened != nil {
		c.opts.Events.Opened(m.TunnelID, m.URL)
	}
}

// handleError applies the handshake error policy. done reports whether
// the session is over; the server closes the connection after an error
// either way.
func (c *Client) handleError(m *protocol.Error) (sessionOutcome, error, bool) {
	switch m.Code {
	case protocol.ErrCodeAuthFailed:
		c.logger.Error("Authentication rejected", zap.String("message", m.Message))
		return outcomeTerminate, fmt.Errorf("%w: %s", ErrAuthFailed, m.Message), true

	case protocol.ErrCodeLimitExceeded:
		c.logger.Error("Tunnel limit reached", zap.String("message", m.Message))
		return outcomeTerminate, fmt.Errorf("%w: %s", ErrLimitExceeded, m.Message), true

	case protocol.ErrCodeSubdomainInUse:
		return c.resolveConflict()

	default:
		c.logger.Warn("Server error",
			zap.String("code", m.Code),
			zap.String("message", m.Message),
		)
		return outcomeRetry, fmt.Errorf("server error %s: %s", m.Code, m.Message), true
	}
}

// resolveConflict decides how to handle a taken subdomain. A client
// that already held a URL tries one takeover on the assumption that the
// holder is its own not-yet-expired previous session; a second conflict
// after that means it was genuinely displaced. A fresh client asks the
// prompter once.
func (c *Client) resolveConflict() (sessionOutcome, error, bool) {
	if c.assignedURL != "" {
		if !c.takeoverTried {
			c.takeoverTried = true
			c.forceTakeover = true
			c.logger.Info("Reclaiming identity from previous session",
				zap.String("subdomain", c.subdomain))
			return outcomeRetryNow, nil, true
		}
		c.logger.Error("Identity taken over by another client",
			zap.String("subdomain", c.subdomain))
		return outcomeTerminate, fmt.Errorf("%w: %s", ErrDisplaced, c.subdomain), true
	}

	if !c.prompted {
		c.prompted = true
		choice, err := c.opts.Prompter.Resolve(c.subdomain)
		if err != nil {
			return outcomeTerminate, fmt.Errorf("conflict prompt: %w", err), true
		}
		switch choice {
		case ConflictTakeover:
			c.takeoverTried = true
			c.forceTakeover = true
			return outcomeRetryNow, nil, true
		case ConflictRandom:
			c.subdomain = ""
			return outcomeRetryNow, nil, true
		default:
			return outcomeTerminate, ErrAborted, true
		}
	}

	c.logger.Warn("Subdomain still in use", zap.String("subdomain", c.subdomain))
	return outcomeRetry, nil, true
}

func (c *Client) handleRequest(ctx context.Context, ws *websocket.Conn, req *protocol.Request) {
	start := time.Now()
	resp := c.forwarder.Forward(ctx, req)

	if err := c.send(ws, resp); err != nil {
		c.logger.Warn("Failed to send response",
			zap.String("request_id", req.RequestID),
			zap.Error(err),
		)
		return
	}

	elapsed := time.Since(start)
	c.logger.Debug("Request forwarded",
		zap.String("method", req.Method),
		zap.String("path", req.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", elapsed),
	)
	if c.opts.Events.Request != nil {
		c.opts.Events.Request(req.Method, req.Path, resp.StatusCode, elapsed)
	}
}

func (c *Client) keepalive(ws *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.opts.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

// classifyClose maps a read error to the reconnect policy. An operator
// stop on the server side arrives as a normal closure with a marker
// reason and must not trigger reconnection.
func (c *Client) classifyClose(err error) (sessionOutcome, error) {
	if c.isStopped() {
		return outcomeTerminate, errStopped
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) &&
		closeErr.Code == websocket.CloseNormalClosure &&
		closeErr.Text == protocol.CloseReasonStopped {
		c.logger.Info("Tunnel stopped by server")
		return outcomeTerminate, nil
	}

	return outcomeRetry, err
}

// send serializes writes; gorilla/websocket allows one concurrent writer.
func (c *Client) send(ws *websocket.Conn, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", msg.Kind(), err)
	}
	return nil
}

func (c *Client) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}
