// Package tunnel holds the server-side registry mapping public identities
// to their owning client connections, and the request/response router that
// forwards public HTTP traffic over those connections.
package tunnel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"outray/internal/shared/constants"
	"outray/internal/shared/protocol"
)

const reservationTTL = 30 * time.Second

type reservation struct {
	connID    string
	expiresAt time.Time
}

// Options configures a Registry.
type Options struct {
	// RequestTimeout bounds ForwardRequest waits. Zero means the default.
	RequestTimeout time.Duration

	// Store, when set, backs reservations with a shared lease store so
	// identity ownership is exclusive across server processes.
	Store Store

	// LeaseTTL and HeartbeatInterval govern distributed leases. Zero
	// values mean the defaults.
	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration
}

// Registry is the authoritative identity -> connection map. It is handed
// to every component that needs it; there is no package-level instance.
type Registry struct {
	logger *zap.Logger

	mu           sync.Mutex
	tunnels      map[string]*Tunnel
	reservations map[string]reservation
	domains      map[string]string // custom domain host -> identity

	pendingMu sync.Mutex
	pending   map[string]chan *protocol.Response

	store             Store
	serverID          string
	requestTimeout    time.Duration
	leaseTTL          time.Duration
	heartbeatInterval time.Duration

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewRegistry creates a registry. When opts.Store is set, a background
// heartbeat goroutine renews the leases of locally registered tunnels.
func NewRegistry(logger *zap.Logger, opts Options) *Registry {
	r := &Registry{
		logger:            logger,
		tunnels:           make(map[string]*Tunnel),
		reservations:      make(map[string]reservation),
		domains:           make(map[string]string),
		pending:           make(map[string]chan *protocol.Response),
		store:             opts.Store,
		serverID:          uuid.NewString(),
		requestTimeout:    opts.RequestTimeout,
		leaseTTL:          opts.LeaseTTL,
		heartbeatInterval: opts.HeartbeatInterval,
		stopCh:            make(chan struct{}),
	}
	if r.requestTimeout <= 0 {
		r.requestTimeout = constants.RequestTimeout
	}
	if r.leaseTTL <= 0 {
		r.leaseTTL = constants.LeaseTTL
	}
	if r.heartbeatInterval <= 0 {
		r.heartbeatInterval = constants.LeaseHeartbeatInterval
	}

	if r.store != nil {
		r.wg.Add(1)
		go r.heartbeatLoop()
	}

	return r
}

// Reserve atomically claims identity for the given connection attempt.
// It returns false when a different live claimant already holds it.
// Re-reserving with the same connection id is a no-op success.
func (r *Registry) Reserve(ctx context.Context, identity, connID string) bool {
	r.mu.Lock()

	if t, ok := r.tunnels[identity]; ok {
		r.mu.Unlock()
		return t.Conn.ID() == connID
	}
	if res, ok := r.reservations[identity]; ok && time.Now().Before(res.expiresAt) {
		r.mu.Unlock()
		return res.connID == connID
	}
	r.reservations[identity] = reservation{connID: connID, expiresAt: time.Now().Add(reservationTTL)}
	r.mu.Unlock()

	if r.store != nil {
		ok, err := r.store.Acquire(ctx, identity, r.leaseOwner(connID), r.leaseTTL)
		if err != nil {
			r.logger.Error("Lease acquire failed", zap.String("identity", identity), zap.Error(err))
			ok = false
		}
		if !ok {
			r.mu.Lock()
			if res, held := r.reservations[identity]; held && res.connID == connID {
				delete(r.reservations, identity)
			}
			r.mu.Unlock()
			return false
		}
	}

	return true
}

// Register promotes a reservation held by connID into a live tunnel
// record. It fails when the reservation was lost or the identity is
// already registered to another connection.
func (r *Registry) Register(identity string, t *Tunnel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.tunnels[identity]; ok {
		return existing.Conn.ID() == t.Conn.ID()
	}
	res, ok := r.reservations[identity]
	if !ok || res.connID != t.Conn.ID() || time.Now().After(res.expiresAt) {
		return false
	}
	delete(r.reservations, identity)

	t.Identity = identity
	t.CreatedAt = time.Now()
	t.lastSeen = t.CreatedAt
	r.tunnels[identity] = t
	if t.CustomDomain != "" {
		r.domains[t.CustomDomain] = identity
	}
	return true
}

// Unregister releases the identity unconditionally. Unregistering twice,
// or an identity that was never registered, is a no-op.
func (r *Registry) Unregister(identity string) {
	r.mu.Lock()
	t, ok := r.tunnels[identity]
	if ok {
		delete(r.tunnels, identity)
		if t.CustomDomain != "" {
			delete(r.domains, t.CustomDomain)
		}
	}
	delete(r.reservations, identity)
	r.mu.Unlock()

	if ok && r.store != nil {
		r.releaseLease(identity, t.Conn.ID())
	}
}

// UnregisterOwned releases the identity only while connID still owns it,
// and reports whether a record was actually removed. Connection teardown
// uses this so a closing connection that was displaced by a takeover
// cannot tear down the new owner's registration.
func (r *Registry) UnregisterOwned(identity, connID string) bool {
	r.mu.Lock()
	t, ok := r.tunnels[identity]
	if ok && t.Conn.ID() != connID {
		r.mu.Unlock()
		return false
	}
	if ok {
		delete(r.tunnels, identity)
		if t.CustomDomain != "" {
			delete(r.domains, t.CustomDomain)
		}
	}
	if res, held := r.reservations[identity]; held && res.connID == connID {
		delete(r.reservations, identity)
	}
	r.mu.Unlock()

	if ok && r.store != nil {
		r.releaseLease(identity, connID)
	}
	return ok
}

// Takeover displaces the current owner of identity, if any, and registers
// the new tunnel in its place. The displaced connection is closed with a
// reason the client surfaces to its operator. It reports whether another
// connection's record was displaced; that connection's own teardown will
// no longer see itself as the owner, so the caller accounts for it.
func (r *Registry) Takeover(ctx context.Context, identity string, t *Tunnel) (bool, error) {
	r.mu.Lock()
	prev, had := r.tunnels[identity]
	if had {
		delete(r.tunnels, identity)
		if prev.CustomDomain != "" {
			delete(r.domains, prev.CustomDomain)
		}
	}
	delete(r.reservations, identity)

	t.Identity = identity
	t.CreatedAt = time.Now()
	t.lastSeen = t.CreatedAt
	r.tunnels[identity] = t
	if t.CustomDomain != "" {
		r.domains[t.CustomDomain] = identity
	}
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.Take(ctx, identity, r.leaseOwner(t.Conn.ID()), r.leaseTTL); err != nil {
			r.logger.Error("Lease takeover failed", zap.String("identity", identity), zap.Error(err))
		}
	}

	displaced := had && prev.Conn.ID() != t.Conn.ID()
	if displaced {
		prev.Conn.CloseWithReason("displaced by takeover")
	}
	return displaced, nil
}

// HasTunnel reports whether identity has a live owner on this process.
func (r *Registry) HasTunnel(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tunnels[identity]
	return ok
}

// Lookup returns the live tunnel for identity.
func (r *Registry) Lookup(identity string) (*Tunnel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tunnels[identity]
	return t, ok
}

// ResolveDomain maps a custom domain host to its tunnel identity.
func (r *Registry) ResolveDomain(host string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	identity, ok := r.domains[host]
	return identity, ok
}

// Len returns the number of live tunnels.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tunnels)
}

// ForwardRequest sends one HTTP request down the tunnel owning identity
// and waits for the correlated response. It fails with ErrNotFound when
// no connection owns the identity, and ErrTimeout when no matching
// response arrives within the configured deadline. A response arriving
// after the timeout is discarded, never delivered to a later caller.
func (r *Registry) ForwardRequest(ctx context.Context, identity string, req *protocol.Request) (*protocol.Response, error) {
	t, ok := r.Lookup(identity)
	if !ok {
		return nil, fmt.Errorf("forward to %q: %w", identity, ErrNotFound)
	}

	requestID := uuid.NewString()
	ch := make(chan *protocol.Response, 1)

	r.pendingMu.Lock()
	r.pending[requestID] = ch
	r.pendingMu.Unlock()

	wire := &protocol.Request{
		RequestID: requestID,
		Method:    req.Method,
		Path:      req.Path,
		Headers:   req.Headers,
		Body:      req.Body,
	}
	if err := t.Conn.Send(wire); err != nil {
		r.removePending(requestID)
		return nil, fmt.Errorf("forward to %q: %w: %v", identity, ErrConnClosed, err)
	}

	timer := time.NewTimer(r.requestTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		t.Touch()
		return resp, nil
	case <-timer.C:
		// Remove our own bookkeeping before returning so a late
		// response is a no-op, not a double delivery.
		r.removePending(requestID)
		return nil, fmt.Errorf("forward to %q: %w", identity, ErrTimeout)
	case <-ctx.Done():
		r.removePending(requestID)
		return nil, ctx.Err()
	}
}

// HandleResponse matches a response from the tunnel to its waiting
// forwarder. Responses without a pending entry (late or duplicate) are
// dropped.
func (r *Registry) HandleResponse(resp *protocol.Response) {
	r.pendingMu.Lock()
	ch, ok := r.pending[resp.RequestID]
	if ok {
		delete(r.pending, resp.RequestID)
	}
	r.pendingMu.Unlock()

	if !ok {
		r.logger.Debug("Dropping unmatched response", zap.String("request_id", resp.RequestID))
		return
	}
	ch <- resp
}

func (r *Registry) removePending(requestID string) {
	r.pendingMu.Lock()
	delete(r.pending, requestID)
	r.pendingMu.Unlock()
}

// Close stops the heartbeat loop. Registered tunnels are left to their
// connection handlers to tear down.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.stopCh)
	})
	r.wg.Wait()
}

func (r *Registry) leaseOwner(connID string) string {
	return r.serverID + "/" + connID
}

func (r *Registry) releaseLease(identity, connID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.Release(ctx, identity, r.leaseOwner(connID)); err != nil {
		r.logger.Warn("Lease release failed", zap.String("identity", identity), zap.Error(err))
	}
}

// heartbeatLoop renews the leases of all locally registered tunnels. A
// tunnel whose lease cannot be renewed lost cluster-wide ownership; its
// connection is closed so the client can reconnect and re-claim.
func (r *Registry) heartbeatLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.renewLeases()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) renewLeases() {
	r.mu.Lock()
	tunnels := make([]*Tunnel, 0, len(r.tunnels))
	for _, t := range r.tunnels {
		tunnels = append(tunnels, t)
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.heartbeatInterval)
	defer cancel()

	for _, t := range tunnels {
		ok, err := r.store.Renew(ctx, t.Identity, r.leaseOwner(t.Conn.ID()), r.leaseTTL)
		if err != nil {
			r.logger.Warn("Lease renew failed",
				zap.String("identity", t.Identity),
				zap.Error(err),
			)
			continue
		}
		if !ok {
			r.logger.Warn("Lease lost, closing connection",
				zap.String("identity", t.Identity),
			)
			r.UnregisterOwned(t.Identity, t.Conn.ID())
			t.Conn.CloseWithReason("lease expired")
		}
	}
}
