package tunnel

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"outray/internal/shared/protocol"
)

type fakeConn struct {
	id string

	mu          sync.Mutex
	sent        []protocol.Message
	sendErr     error
	closeReason string
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) CloseWithReason(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeReason = reason
}

func (c *fakeConn) lastSent() protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return nil
	}
	return c.sent[len(c.sent)-1]
}

func (c *fakeConn) closedWith() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}

func newTestRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()
	r := NewRegistry(zap.NewNop(), opts)
	t.Cleanup(r.Close)
	return r
}

func register(t *testing.T, r *Registry, identity string, conn Conn) *Tunnel {
	t.Helper()
	require.True(t, r.Reserve(context.Background(), identity, conn.ID()))
	tun := &Tunnel{Conn: conn}
	require.True(t, r.Register(identity, tun))
	return tun
}

func TestReserveRaceHasExactlyOneWinner(t *testing.T) {
	r := newTestRegistry(t, Options{})

	const claimants = 32
	var wg sync.WaitGroup
	results := make([]bool, claimants)

	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.Reserve(context.Background(), "foo", string(rune('a'+i)))
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, won := range results {
		if won {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}

func TestReserveIsIdempotentPerConnection(t *testing.T) {
	r := newTestRegistry(t, Options{})

	assert.True(t, r.Reserve(context.Background(), "foo", "conn-1"))
	assert.True(t, r.Reserve(context.Background(), "foo", "conn-1"))
	assert.False(t, r.Reserve(context.Background(), "foo", "conn-2"))
}

func TestRegisterRequiresReservation(t *testing.T) {
	r := newTestRegistry(t, Options{})
	conn := &fakeConn{id: "conn-1"}

	assert.False(t, r.Register("foo", &Tunnel{Conn: conn}))

	require.True(t, r.Reserve(context.Background(), "foo", "conn-1"))
	assert.True(t, r.Register("foo", &Tunnel{Conn: conn}))
	assert.True(t, r.HasTunnel("foo"))

	// Registration is idempotent for the owner, exclusive otherwise.
	assert.True(t, r.Register("foo", &Tunnel{Conn: conn}))
	assert.False(t, r.Register("foo", &Tunnel{Conn: &fakeConn{id: "conn-2"}}))
}

func TestUnregisterIsIdempotent(t *testing.T) {
	r := newTestRegistry(t, Options{})
	register(t, r, "foo", &fakeConn{id: "conn-1"})

	r.Unregister("foo")
	assert.False(t, r.HasTunnel("foo"))
	r.Unregister("foo")
	r.Unregister("never-registered")
}

func TestIdentityReusableImmediatelyAfterRelease(t *testing.T) {
	r := newTestRegistry(t, Options{})

	register(t, r, "bar", &fakeConn{id: "conn-1"})
	r.UnregisterOwned("bar", "conn-1")

	conn2 := &fakeConn{id: "conn-2"}
	require.True(t, r.Reserve(context.Background(), "bar", "conn-2"))
	require.True(t, r.Register("bar", &Tunnel{Conn: conn2}))
}

func TestUnregisterOwnedIgnoresDisplacedOwner(t *testing.T) {
	r := newTestRegistry(t, Options{})
	register(t, r, "foo", &fakeConn{id: "conn-old"})

	newConn := &fakeConn{id: "conn-new"}
	displaced, err := r.Takeover(context.Background(), "foo", &Tunnel{Conn: newConn})
	require.NoError(t, err)
	assert.True(t, displaced)

	// The displaced connection's teardown must not remove the new owner.
	assert.False(t, r.UnregisterOwned("foo", "conn-old"))
	got, ok := r.Lookup("foo")
	require.True(t, ok)
	assert.Equal(t, "conn-new", got.Conn.ID())
}

func TestTakeoverClosesPreviousOwner(t *testing.T) {
	r := newTestRegistry(t, Options{})
	prev := &fakeConn{id: "conn-old"}
	register(t, r, "foo", prev)

	displaced, err := r.Takeover(context.Background(), "foo", &Tunnel{Conn: &fakeConn{id: "conn-new"}})
	require.NoError(t, err)
	assert.True(t, displaced)
	assert.Equal(t, "displaced by takeover", prev.closedWith())
}

func TestTakeoverOfVacantIdentityDisplacesNothing(t *testing.T) {
	r := newTestRegistry(t, Options{})

	displaced, err := r.Takeover(context.Background(), "foo", &Tunnel{Conn: &fakeConn{id: "conn-1"}})
	require.NoError(t, err)
	assert.False(t, displaced)
	assert.True(t, r.HasTunnel("foo"))
}

func TestForwardRequestNoOwnerFailsFast(t *testing.T) {
	r := newTestRegistry(t, Options{RequestTimeout: 5 * time.Second})

	start := time.Now()
	_, err := r.ForwardRequest(context.Background(), "ghost", &protocol.Request{Method: "GET", Path: "/"})
	require.ErrorIs(t, err, ErrNotFound)
	assert.Less(t, time.Since(start), time.Second)
}

func TestForwardRequestRoundTrip(t *testing.T) {
	r := newTestRegistry(t, Options{})
	conn := &fakeConn{id: "conn-1"}
	register(t, r, "foo", conn)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Wait for the forwarded request to show up, then answer it.
		var req *protocol.Request
		for i := 0; i < 1000 && req == nil; i++ {
			if msg := conn.lastSent(); msg != nil {
				req = msg.(*protocol.Request)
				break
			}
			time.Sleep(time.Millisecond)
		}
		if req == nil {
			return
		}

		r.HandleResponse(&protocol.Response{
			RequestID:  req.RequestID,
			StatusCode: http.StatusTeapot,
			Headers:    map[string][]string{"X-Req-Path": {req.Path}},
			Body:       []byte("short and stout"),
		})
	}()

	resp, err := r.ForwardRequest(context.Background(), "foo", &protocol.Request{
		Method:  "GET",
		Path:    "/teapot",
		Headers: map[string][]string{},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.Equal(t, []string{"/teapot"}, resp.Headers["X-Req-Path"])
	assert.Equal(t, []byte("short and stout"), resp.Body)
	<-done
}

func TestForwardRequestConcurrentCorrelation(t *testing.T) {
	r := newTestRegistry(t, Options{})
	conn := &fakeConn{id: "conn-1"}
	register(t, r, "foo", conn)

	// Answer every forwarded request with its own path, out of order.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		answered := map[string]bool{}
		for {
			select {
			case <-stop:
				return
			default:
			}
			conn.mu.Lock()
			batch := make([]*protocol.Request, 0)
			for _, msg := range conn.sent {
				req := msg.(*protocol.Request)
				if !answered[req.RequestID] {
					answered[req.RequestID] = true
					batch = append(batch, req)
				}
			}
			conn.mu.Unlock()
			for i := len(batch) - 1; i >= 0; i-- {
				req := batch[i]
				r.HandleResponse(&protocol.Response{
					RequestID:  req.RequestID,
					StatusCode: 200,
					Headers:    map[string][]string{},
					Body:       []byte(req.Path),
				})
			}
			time.Sleep(time.Millisecond)
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			path := "/item/" + string(rune('a'+i))
			resp, err := r.ForwardRequest(context.Background(), "foo", &protocol.Request{
				Method:  "GET",
				Path:    path,
				Headers: map[string][]string{},
			})
			if assert.NoError(t, err) {
				assert.Equal(t, path, string(resp.Body))
			}
		}(i)
	}
	wg.Wait()
}

func TestForwardRequestTimeoutDiscardsLateResponse(t *testing.T) {
	r := newTestRegistry(t, Options{RequestTimeout: 20 * time.Millisecond})
	conn := &fakeConn{id: "conn-1"}
	register(t, r, "foo", conn)

	_, err := r.ForwardRequest(context.Background(), "foo", &protocol.Request{
		Method:  "GET",
		Path:    "/slow",
		Headers: map[string][]string{},
	})
	require.ErrorIs(t, err, ErrTimeout)

	// The late response must be a no-op: its pending entry is gone.
	req := conn.lastSent().(*protocol.Request)
	r.HandleResponse(&protocol.Response{RequestID: req.RequestID, StatusCode: 200})

	r.pendingMu.Lock()
	remaining := len(r.pending)
	r.pendingMu.Unlock()
	assert.Zero(t, remaining)
}

func TestForwardRequestSendFailure(t *testing.T) {
	r := newTestRegistry(t, Options{})
	conn := &fakeConn{id: "conn-1", sendErr: errors.New("broken pipe")}
	register(t, r, "foo", conn)

	_, err := r.ForwardRequest(context.Background(), "foo", &protocol.Request{
		Method:  "GET",
		Path:    "/",
		Headers: map[string][]string{},
	})
	require.ErrorIs(t, err, ErrConnClosed)
}

type fakeStore struct {
	mu     sync.Mutex
	leases map[string]string
	fail   bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{leases: make(map[string]string)}
}

func (s *fakeStore) Acquire(_ context.Context, identity, owner string, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return false, errors.New("store unavailable")
	}
	if _, held := s.leases[identity]; held {
		return false, nil
	}
	s.leases[identity] = owner
	return true, nil
}

func (s *fakeStore) Renew(_ context.Context, identity, owner string, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leases[identity] == owner, nil
}

func (s *fakeStore) Release(_ context.Context, identity, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.leases[identity] == owner {
		delete(s.leases, identity)
	}
	return nil
}

func (s *fakeStore) Take(_ context.Context, identity, owner string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leases[identity] = owner
	return nil
}

func TestReserveDeniedByStore(t *testing.T) {
	store := newFakeStore()
	store.leases["foo"] = "someone-else"
	r := newTestRegistry(t, Options{Store: store})

	assert.False(t, r.Reserve(context.Background(), "foo", "conn-1"))
	// The local reservation must not linger after the store said no.
	assert.True(t, r.Reserve(context.Background(), "bar", "conn-1"))
}

func TestReserveFailsClosedOnStoreError(t *testing.T) {
	store := newFakeStore()
	store.fail = true
	r := newTestRegistry(t, Options{Store: store})

	assert.False(t, r.Reserve(context.Background(), "foo", "conn-1"))
}

func TestUnregisterReleasesLease(t *testing.T) {
	store := newFakeStore()
	r := newTestRegistry(t, Options{Store: store})
	register(t, r, "foo", &fakeConn{id: "conn-1"})

	r.UnregisterOwned("foo", "conn-1")

	store.mu.Lock()
	_, held := store.leases["foo"]
	store.mu.Unlock()
	assert.False(t, held)
}

func TestLeaseLossClosesConnection(t *testing.T) {
	store := newFakeStore()
	r := newTestRegistry(t, Options{Store: store})
	conn := &fakeConn{id: "conn-1"}
	register(t, r, "foo", conn)

	// Simulate another process reclaiming the identity after TTL expiry.
	store.mu.Lock()
	store.leases["foo"] = "other-server/conn-9"
	store.mu.Unlock()

	r.renewLeases()

	assert.False(t, r.HasTunnel("foo"))
	assert.Equal(t, "lease expired", conn.closedWith())
}

func TestResolveDomain(t *testing.T) {
	r := newTestRegistry(t, Options{})
	conn := &fakeConn{id: "conn-1"}
	require.True(t, r.Reserve(context.Background(), "foo", "conn-1"))
	require.True(t, r.Register("foo", &Tunnel{Conn: conn, CustomDomain: "app.example.com"}))

	identity, ok := r.ResolveDomain("app.example.com")
	require.True(t, ok)
	assert.Equal(t, "foo", identity)

	r.Unregister("foo")
	_, ok = r.ResolveDomain("app.example.com")
	assert.False(t, ok)
}
