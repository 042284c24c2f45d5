package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"outray/internal/server/tunnel"
	"outray/internal/shared/constants"
	"outray/internal/shared/protocol"
)

type connState int

const (
	stateAwaitingHandshake connState = iota
	stateOpen
	stateClosed
)

// readTimeout must exceed the client keepalive interval with room for a
// missed ping or two.
const readTimeout = 3 * constants.KeepaliveInterval

// Conn is one client control connection. It implements tunnel.Conn so
// the registry can push forwarded requests through it.
type Conn struct {
	id      string
	handler *Handler
	ws      *websocket.Conn
	logger  *zap.Logger

	writeMu sync.Mutex

	stateMu  sync.Mutex
	state    connState
	identity string

	closeOnce sync.Once
}

func newConn(h *Handler, ws *websocket.Conn) *Conn {
	id := uuid.NewString()
	return &Conn{
		id:      id,
		handler: h,
		ws:      ws,
		logger: h.logger.With(
			zap.String("conn_id", id),
			zap.String("remote_addr", ws.RemoteAddr().String()),
		),
	}
}

// ID implements tunnel.Conn.
func (c *Conn) ID() string { return c.id }

// Send implements tunnel.Conn. gorilla/websocket allows one concurrent
// writer, so all writes funnel through writeMu.
func (c *Conn) Send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", msg.Kind(), err)
	}
	return nil
}

// CloseWithReason implements tunnel.Conn.
func (c *Conn) CloseWithReason(reason string) {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.ws.SetWriteDeadline(time.Now().Add(time.Second))
		c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
		c.writeMu.Unlock()
		c.ws.Close()
	})
}

// run is the receive loop: it reads messages until the transport closes
// and dispatches them by kind and connection state.
func (c *Conn) run() {
	defer c.teardown()

	c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	c.ws.SetPingHandler(func(appData string) error {
		// Client keepalive pings count as liveness.
		c.ws.SetReadDeadline(time.Now().Add(readTimeout))
		return c.ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("Connection closed", zap.Error(err))
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(readTimeout))

		msg, err := protocol.Decode(data)
		if err != nil {
			// Malformed traffic is dropped; the connection survives.
			c.logger.Warn("Dropping malformed message", zap.Error(err))
			continue
		}

		switch m := msg.(type) {
		case *protocol.Hello:
			c.logger.Info("Client connected", zap.String("client_id", m.ClientID))

		case *protocol.OpenTunnel:
			if c.currentState() != stateAwaitingHandshake {
				c.logger.Warn("Duplicate open_tunnel, ignoring")
				continue
			}
			if !c.handleOpenTunnel(m) {
				return
			}

		case *protocol.Response:
			if c.currentState() != stateOpen {
				c.logger.Warn("Response before handshake, dropping")
				continue
			}
			c.handler.registry.HandleResponse(m)

		default:
			c.logger.Warn("Unexpected message kind", zap.String("type", string(msg.Kind())))
		}
	}
}

// handleOpenTunnel runs the registration negotiation. It returns false
// when the connection must close (the error message has been sent).
func (c *Conn) handleOpenTunnel(m *protocol.OpenTunnel) bool {
	ctx, cancel := context.WithTimeout(context.Background(), c.handler.opts.HandshakeTimeout)
	defer cancel()

	var userID, orgID string
	if m.APIKey != "" && c.handler.authenticator != nil {
		validation, err := c.handler.authenticator.ValidateKey(ctx, m.APIKey)
		if err != nil {
			// Key validation fails closed.
			c.logger.Error("API key validation unavailable", zap.Error(err))
			c.rejectWith(protocol.ErrCodeAuthFailed, "authentication unavailable")
			return false
		}
		if !validation.Valid {
			c.rejectWith(protocol.ErrCodeAuthFailed, "invalid API key")
			return false
		}
		if validation.LimitExceeded {
			c.rejectWith(protocol.ErrCodeLimitExceeded, "active tunnel limit reached for your plan")
			return false
		}
		userID = validation.UserID
		orgID = validation.OrganizationID
	} else if c.handler.opts.RequireAuth {
		c.rejectWith(protocol.ErrCodeAuthFailed, "API key required")
		return false
	}

	requested := m.Subdomain
	if requested != "" {
		result, err := c.handler.policy.CheckSubdomain(ctx, requested, orgID)
		if err != nil {
			// Policy check fails open: the claim degrades to a random
			// identity instead of blocking the tunnel.
			c.logger.Warn("Subdomain policy check unavailable", zap.Error(err))
			requested = ""
		} else if !result.Allowed {
			c.logger.Info("Subdomain denied by policy",
				zap.String("subdomain", requested),
				zap.String("organization_id", orgID),
			)
			requested = ""
		}
	}

	record := &tunnel.Tunnel{
		Conn:           c,
		CustomDomain:   m.CustomDomain,
		UserID:         userID,
		OrganizationID: orgID,
	}

	identity, ok := c.claim(ctx, requested, m.ForceTakeover, record)
	if !ok {
		return false
	}

	c.setOpen(identity)
	url := fmt.Sprintf("%s://%s.%s", c.handler.opts.PublicScheme, identity, c.handler.opts.BaseDomain)
	if err := c.Send(&protocol.TunnelOpened{TunnelID: identity, URL: url}); err != nil {
		c.logger.Warn("Failed to send tunnel_opened", zap.Error(err))
		return false
	}

	if c.handler.metrics != nil {
		c.handler.metrics.TunnelOpened()
		if m.ForceTakeover && requested != "" {
			c.handler.metrics.Takeover()
		}
	}
	c.logger.Info("Tunnel opened",
		zap.String("identity", identity),
		zap.String("url", url),
		zap.Bool("takeover", m.ForceTakeover),
	)
	return true
}

// claim reserves and registers an identity for this connection. A
// requested identity that is already owned surfaces SUBDOMAIN_IN_USE so
// the client can decide how to resolve the conflict; only an explicit
// forceTakeover displaces the current owner. Random allocation retries a
// bounded number of candidates before the high-entropy fallback.
func (c *Conn) claim(ctx context.Context, requested string, forceTakeover bool, record *tunnel.Tunnel) (string, bool) {
	registry := c.handler.registry

	if requested != "" {
		if forceTakeover {
			displaced, err := registry.Takeover(ctx, requested, record)
			if err != nil {
				c.rejectWith(protocol.ErrCodeTunnelUnavailable, "takeover failed")
				return "", false
			}
			if displaced && c.handler.metrics != nil {
				// The displaced connection's teardown no longer owns
				// the record, so the gauge is settled here.
				c.handler.metrics.TunnelClosed()
			}
			return requested, true
		}

		if !registry.Reserve(ctx, requested, c.id) {
			c.rejectWith(protocol.ErrCodeSubdomainInUse,
				fmt.Sprintf("subdomain %q is already in use", requested))
			return "", false
		}
		if !registry.Register(requested, record) {
			c.rejectWith(protocol.ErrCodeTunnelUnavailable, "registration lost, try again")
			return "", false
		}
		return requested, true
	}

	for attempt := 0; attempt < constants.ReserveAttempts; attempt++ {
		candidate := tunnel.GenerateIdentity()
		if !registry.Reserve(ctx, candidate, c.id) {
			continue
		}
		if registry.Register(candidate, record) {
			return candidate, true
		}
	}

	fallback := tunnel.GenerateFallbackIdentity()
	if registry.Reserve(ctx, fallback, c.id) && registry.Register(fallback, record) {
		return fallback, true
	}

	c.rejectWith(protocol.ErrCodeTunnelUnavailable, "no identity available")
	return "", false
}

// rejectWith sends an error message and closes the connection.
func (c *Conn) rejectWith(code, message string) {
	if c.handler.metrics != nil {
		c.handler.metrics.HandshakeError(code)
	}
	if err := c.Send(&protocol.Error{Code: code, Message: message}); err != nil &&
		!errors.Is(err, websocket.ErrCloseSent) {
		c.logger.Debug("Failed to send handshake error", zap.Error(err))
	}
	c.CloseWithReason(message)
}

func (c *Conn) currentState() connState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *Conn) setOpen(identity string) {
	c.stateMu.Lock()
	c.state = stateOpen
	c.identity = identity
	c.stateMu.Unlock()
}

// teardown releases the identity, if this connection still owns it, and
// closes the transport.
func (c *Conn) teardown() {
	c.stateMu.Lock()
	wasOpen := c.state == stateOpen
	identity := c.identity
	c.state = stateClosed
	c.stateMu.Unlock()

	if wasOpen && identity != "" {
		if c.handler.registry.UnregisterOwned(identity, c.id) {
			if c.handler.metrics != nil {
				c.handler.metrics.TunnelClosed()
			}
			c.logger.Info("Tunnel closed", zap.String("identity", identity))
		}
	}
	c.ws.Close()
}
