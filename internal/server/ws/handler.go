// Package ws owns the client control connections: WebSocket upgrade, the
// handshake that claims a tunnel identity, and the per-connection receive
// loop that feeds tunnel traffic back to the router.
package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"outray/internal/server/auth"
	"outray/internal/server/metrics"
	"outray/internal/server/tunnel"
	"outray/internal/shared/protocol"
	"outray/internal/shared/recovery"
)

// Options configures the connection handler.
type Options struct {
	// BaseDomain is the suffix public tunnel URLs live under.
	BaseDomain string

	// PublicScheme is the scheme of published tunnel URLs ("https").
	PublicScheme string

	// RequireAuth rejects open_tunnel handshakes without an API key.
	RequireAuth bool

	// HandshakeTimeout bounds the auth and policy collaborator calls.
	HandshakeTimeout time.Duration
}

// Handler upgrades incoming control connections and runs one receive
// loop per connection.
type Handler struct {
	registry      *tunnel.Registry
	authenticator auth.Authenticator
	policy        auth.SubdomainPolicy
	logger        *zap.Logger
	metrics       *metrics.Metrics
	recoverer     *recovery.Recoverer
	opts          Options

	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[string]*Conn
	closed bool
	wg     sync.WaitGroup
}

// NewHandler creates the handler. authenticator, policy and m may be nil;
// a nil policy allows every subdomain.
func NewHandler(registry *tunnel.Registry, authenticator auth.Authenticator, policy auth.SubdomainPolicy, logger *zap.Logger, m *metrics.Metrics, opts Options) *Handler {
	if opts.PublicScheme == "" {
		opts.PublicScheme = "https"
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if policy == nil {
		policy = auth.AllowAll{}
	}

	var recorder recovery.PanicRecorder
	if m != nil {
		recorder = m
	}

	return &Handler{
		registry:      registry,
		authenticator: authenticator,
		policy:        policy,
		logger:        logger,
		metrics:       m,
		recoverer:     recovery.NewRecoverer(logger, recorder),
		opts:          opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// Identity claims are authenticated by API key, not origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[string]*Conn),
	}
}

// ServeHTTP implements http.Handler for the control endpoint.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("WebSocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	conn := newConn(h, wsConn)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		wsConn.Close()
		return
	}
	h.conns[conn.ID()] = conn
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.ClientConnected()
	}

	h.wg.Add(1)
	h.recoverer.SafeGo("conn-"+conn.ID(), func() {
		defer h.wg.Done()
		conn.run()

		h.mu.Lock()
		delete(h.conns, conn.ID())
		h.mu.Unlock()
		if h.metrics != nil {
			h.metrics.ClientDisconnected()
		}
	})
}

// StopTunnel tears down a live tunnel on operator request. The owning
// client is told not to reconnect.
func (h *Handler) StopTunnel(identity string) bool {
	t, ok := h.registry.Lookup(identity)
	if !ok {
		return false
	}
	// Owner-checked removal so a re-registration racing the stop keeps
	// the new owner's record intact.
	if !h.registry.UnregisterOwned(identity, t.Conn.ID()) {
		return false
	}
	if h.metrics != nil {
		h.metrics.TunnelClosed()
	}
	t.Conn.CloseWithReason(protocol.CloseReasonStopped)
	return true
}

// Close refuses new connections and closes all current ones.
func (h *Handler) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.CloseWithReason("server shutting down")
	}
	h.wg.Wait()
}
