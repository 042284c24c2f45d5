package tunnel

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"outray/internal/shared/protocol"
)

// Conn is the server-side handle to one live client connection. The
// connection handler that registered a tunnel owns its Conn exclusively;
// the registry only sends messages through it or asks it to close.
type Conn interface {
	// ID is unique per connection attempt and scopes reservations.
	ID() string
	// Send writes one protocol message to the client.
	Send(msg protocol.Message) error
	// CloseWithReason closes the transport with a close reason the
	// client can inspect (displacement, operator stop).
	CloseWithReason(reason string)
}

// Tunnel is one live identity registration.
type Tunnel struct {
	Identity       string
	Conn           Conn
	CustomDomain   string
	UserID         string
	OrganizationID string
	CreatedAt      time.Time

	mu       sync.Mutex
	lastSeen time.Time
}

// Touch records traffic on the tunnel.
func (t *Tunnel) Touch() {
	t.mu.Lock()
	t.lastSeen = time.Now()
	t.mu.Unlock()
}

// LastSeen returns the time of the most recent traffic or registration.
func (t *Tunnel) LastSeen() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSeen
}

// GenerateIdentity returns a random tunnel identity.
func GenerateIdentity() string {
	b := make([]byte, 4)
	rand.Read(b)
	return "tunnel-" + hex.EncodeToString(b)
}

// GenerateFallbackIdentity returns an identity with enough entropy that a
// collision with a live registration is not a practical concern. Used when
// bounded random allocation keeps losing races.
func GenerateFallbackIdentity() string {
	b := make([]byte, 16)
	rand.Read(b)
	return "tunnel-" + hex.EncodeToString(b)
}
