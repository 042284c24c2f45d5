// Package ingress accepts public HTTP traffic, resolves the target tunnel
// identity from the request host, and executes the request through the
// registry's forwarding path.
package ingress

import (
	_ "embed"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"outray/internal/server/events"
	"outray/internal/server/metrics"
	"outray/internal/server/tunnel"
	"outray/internal/shared/protocol"
)

//go:embed offline.html
var offlineTemplate string

// Proxy is the public-facing HTTP handler.
type Proxy struct {
	registry   *tunnel.Registry
	baseDomain string
	logger     *zap.Logger
	sink       *events.Sink
	metrics    *metrics.Metrics
}

// NewProxy creates the ingress handler. sink and m may be nil.
func NewProxy(registry *tunnel.Registry, baseDomain string, logger *zap.Logger, sink *events.Sink, m *metrics.Metrics) *Proxy {
	return &Proxy{
		registry:   registry,
		baseDomain: baseDomain,
		logger:     logger,
		sink:       sink,
		metrics:    m,
	}
}

// ServeHTTP implements http.Handler.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := stripPort(r.Host)

	identity := ExtractSubdomain(host, p.baseDomain)
	if identity == "" {
		// Not under the base domain: try registered custom domains.
		if mapped, ok := p.registry.ResolveDomain(host); ok {
			identity = mapped
		}
	}
	if identity == "" {
		http.Error(w, "Tunnel not found", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	var orgID string
	if t, ok := p.registry.Lookup(identity); ok {
		orgID = t.OrganizationID
	}

	start := time.Now()
	resp, err := p.registry.ForwardRequest(r.Context(), identity, &protocol.Request{
		Method:  r.Method,
		Path:    r.URL.RequestURI(),
		Headers: forwardHeaders(r),
		Body:    body,
	})
	duration := time.Since(start)

	if err != nil {
		p.writeForwardError(w, identity, err)
		p.record(r, identity, orgID, statusFor(err), duration, int64(len(body)), 0)
		return
	}

	header := w.Header()
	for name, values := range resp.Headers {
		for _, v := range values {
			header.Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if len(resp.Body) > 0 {
		w.Write(resp.Body)
	}

	if p.metrics != nil {
		p.metrics.ForwardObserved(metrics.OutcomeOK, duration)
	}
	p.record(r, identity, orgID, resp.StatusCode, duration, int64(len(body)), int64(len(resp.Body)))
}

func (p *Proxy) writeForwardError(w http.ResponseWriter, identity string, err error) {
	switch {
	case errors.Is(err, tunnel.ErrNotFound):
		if p.metrics != nil {
			p.metrics.ForwardObserved(metrics.OutcomeNotFound, 0)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, strings.ReplaceAll(offlineTemplate, "{{TUNNEL_ID}}", identity))
	case errors.Is(err, tunnel.ErrTimeout):
		if p.metrics != nil {
			p.metrics.ForwardObserved(metrics.OutcomeTimeout, 0)
		}
		http.Error(w, "Gateway Timeout", http.StatusGatewayTimeout)
	default:
		if p.metrics != nil {
			p.metrics.ForwardObserved(metrics.OutcomeError, 0)
		}
		p.logger.Warn("Forward failed", zap.String("identity", identity), zap.Error(err))
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
	}
}

func (p *Proxy) record(r *http.Request, identity, orgID string, status int, d time.Duration, bytesIn, bytesOut int64) {
	if p.sink == nil {
		return
	}
	p.sink.Log(events.Event{
		Timestamp:      time.Now().UnixMilli(),
		TunnelID:       identity,
		OrganizationID: orgID,
		Host:           r.Host,
		Method:         r.Method,
		Path:           r.URL.Path,
		StatusCode:     status,
		DurationMs:     d.Milliseconds(),
		BytesIn:        bytesIn,
		BytesOut:       bytesOut,
		ClientIP:       clientIP(r),
		UserAgent:      r.UserAgent(),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, tunnel.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, tunnel.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// forwardHeaders copies the inbound headers for the tunneled request.
// net/http keeps the host on the Request, not in the header map, so it
// is restored here for the client to translate into X-Forwarded-Host.
func forwardHeaders(r *http.Request) http.Header {
	h := r.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set("Host", r.Host)
	return h
}

// ExtractSubdomain derives a tunnel identity from a request host under
// the configured base domain. It returns "" when host is the base domain
// itself or lives outside it.
func ExtractSubdomain(host, baseDomain string) string {
	if host == baseDomain {
		return ""
	}
	prefix, ok := strings.CutSuffix(host, "."+baseDomain)
	if !ok {
		return ""
	}
	return prefix
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	return stripPort(r.RemoteAddr)
}
