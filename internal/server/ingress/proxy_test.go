package ingress

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"outray/internal/server/events"
	"outray/internal/server/tunnel"
	"outray/internal/shared/protocol"
)

// echoConn answers every forwarded request like a local echo service.
type echoConn struct {
	id       string
	registry *tunnel.Registry

	mu   sync.Mutex
	last *protocol.Request
}

func (c *echoConn) ID() string { return c.id }

func (c *echoConn) Send(msg protocol.Message) error {
	req := msg.(*protocol.Request)
	c.mu.Lock()
	c.last = req
	c.mu.Unlock()

	go c.registry.HandleResponse(&protocol.Response{
		RequestID:  req.RequestID,
		StatusCode: 200,
		Headers: map[string][]string{
			"Content-Type": {"text/plain"},
			"X-Echo-Path":  {req.Path},
		},
		Body: req.Body,
	})
	return nil
}

func (c *echoConn) CloseWithReason(string) {}

// muteConn accepts requests and never answers.
type muteConn struct{ id string }

func (c *muteConn) ID() string                  { return c.id }
func (c *muteConn) Send(protocol.Message) error { return nil }
func (c *muteConn) CloseWithReason(string)      {}

func newProxyFixture(t *testing.T, timeout time.Duration) (*Proxy, *tunnel.Registry) {
	t.Helper()
	registry := tunnel.NewRegistry(zap.NewNop(), tunnel.Options{RequestTimeout: timeout})
	t.Cleanup(registry.Close)
	return NewProxy(registry, "outray.dev", zap.NewNop(), nil, nil), registry
}

func registerEcho(t *testing.T, registry *tunnel.Registry, identity, customDomain string) *echoConn {
	t.Helper()
	conn := &echoConn{id: "conn-" + identity, registry: registry}
	require.True(t, registry.Reserve(context.Background(), identity, conn.ID()))
	require.True(t, registry.Register(identity, &tunnel.Tunnel{Conn: conn, CustomDomain: customDomain, OrganizationID: "org1"}))
	return conn
}

func TestIngressSuccessPassthrough(t *testing.T) {
	p, registry := newProxyFixture(t, 5*time.Second)
	conn := registerEcho(t, registry, "foo", "")

	req := httptest.NewRequest("POST", "http://foo.outray.dev/submit?x=1", strings.NewReader("payload-bytes"))
	req.Host = "foo.outray.dev"
	req.Header.Set("X-Custom", "yes")
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	resp := rec.Result()
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "/submit?x=1", resp.Header.Get("X-Echo-Path"))
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "payload-bytes", string(body))

	conn.mu.Lock()
	forwarded := conn.last
	conn.mu.Unlock()
	require.NotNil(t, forwarded)
	assert.Equal(t, "POST", forwarded.Method)
	assert.Equal(t, []string{"yes"}, forwarded.Headers["X-Custom"])
}

func TestIngressForwardsPublicHost(t *testing.T) {
	p, registry := newProxyFixture(t, 5*time.Second)
	conn := registerEcho(t, registry, "foo", "")

	req := httptest.NewRequest("GET", "http://foo.outray.dev/", nil)
	req.Host = "foo.outray.dev"
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)
	assert.Equal(t, 200, rec.Code)

	conn.mu.Lock()
	forwarded := conn.last
	conn.mu.Unlock()
	require.NotNil(t, forwarded)
	// net/http strips Host from the header map; the proxy puts it back
	// so the client can report the public host to the local service.
	assert.Equal(t, []string{"foo.outray.dev"}, forwarded.Headers["Host"])
}

func TestIngressHostOutsideBaseDomain(t *testing.T) {
	p, _ := newProxyFixture(t, time.Second)

	req := httptest.NewRequest("GET", "http://example.com/", nil)
	req.Host = "example.com"
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIngressUnknownTunnelGetsOfflinePage(t *testing.T) {
	p, _ := newProxyFixture(t, time.Second)

	req := httptest.NewRequest("GET", "http://ghost.outray.dev/", nil)
	req.Host = "ghost.outray.dev"
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "ghost")
	assert.Contains(t, rec.Body.String(), "offline")
}

func TestIngressTimeoutMapsTo504(t *testing.T) {
	p, registry := newProxyFixture(t, 20*time.Millisecond)
	conn := &muteConn{id: "conn-slow"}
	require.True(t, registry.Reserve(context.Background(), "slow", conn.ID()))
	require.True(t, registry.Register("slow", &tunnel.Tunnel{Conn: conn}))

	req := httptest.NewRequest("GET", "http://slow.outray.dev/", nil)
	req.Host = "slow.outray.dev"
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestIngressCustomDomain(t *testing.T) {
	p, registry := newProxyFixture(t, 5*time.Second)
	registerEcho(t, registry, "foo", "app.example.com")

	req := httptest.NewRequest("GET", "http://app.example.com/hello", nil)
	req.Host = "app.example.com"
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "/hello", rec.Header().Get("X-Echo-Path"))
}

type captureWriter struct {
	mu      sync.Mutex
	batches [][]events.Event
}

func (w *captureWriter) WriteBatch(_ context.Context, batch []events.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	cp := make([]events.Event, len(batch))
	copy(cp, batch)
	w.batches = append(w.batches, cp)
	return nil
}

func TestIngressEmitsTrafficEvent(t *testing.T) {
	registry := tunnel.NewRegistry(zap.NewNop(), tunnel.Options{RequestTimeout: 5 * time.Second})
	t.Cleanup(registry.Close)
	registerEcho(t, registry, "foo", "")

	w := &captureWriter{}
	sink := events.NewSink(w, zap.NewNop(), events.Options{BatchSize: 1, FlushInterval: time.Hour})
	defer sink.Close()

	p := NewProxy(registry, "outray.dev", zap.NewNop(), sink, nil)

	req := httptest.NewRequest("GET", "http://foo.outray.dev/tracked", nil)
	req.Host = "foo.outray.dev"
	req.Header.Set("User-Agent", "test-agent")
	p.ServeHTTP(httptest.NewRecorder(), req)

	assert.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return len(w.batches) == 1
	}, time.Second, time.Millisecond)

	w.mu.Lock()
	ev := w.batches[0][0]
	w.mu.Unlock()
	assert.Equal(t, "foo", ev.TunnelID)
	assert.Equal(t, "org1", ev.OrganizationID)
	assert.Equal(t, "/tracked", ev.Path)
	assert.Equal(t, 200, ev.StatusCode)
	assert.Equal(t, "test-agent", ev.UserAgent)
}

func TestExtractSubdomain(t *testing.T) {
	tests := []struct {
		host, base, want string
	}{
		{"foo.outray.dev", "outray.dev", "foo"},
		{"outray.dev", "outray.dev", ""},
		{"example.com", "outray.dev", ""},
		{"deep.foo.outray.dev", "outray.dev", "deep.foo"},
		{"fooXoutray.dev", "outray.dev", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExtractSubdomain(tt.host, tt.base), tt.host)
	}
}
