package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"outray/internal/shared/protocol"
)

// hop-by-hop headers must not be replayed to the local service.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Forwarder replays tunneled requests against the local service and
// captures complete responses for the return trip.
type Forwarder struct {
	localHost string
	localPort int
	client    *http.Client
	logger    *zap.Logger
}

// NewForwarder creates a forwarder for the given local endpoint. All
// requests share one client so connections to the local service are
// pooled.
func NewForwarder(localHost string, localPort int, logger *zap.Logger) *Forwarder {
	return &Forwarder{
		localHost: localHost,
		localPort: localPort,
		client: &http.Client{
			Timeout: 55 * time.Second,
			// The public side follows redirects itself.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
	}
}

// Forward replays req against the local service. A failure to reach the
// service never returns an error; it becomes a synthesized 502 so the
// public caller always gets a response.
func (f *Forwarder) Forward(ctx context.Context, req *protocol.Request) *protocol.Response {
	target := fmt.Sprintf("http://%s%s",
		net.JoinHostPort(f.localHost, fmt.Sprintf("%d", f.localPort)), req.Path)

	out, err := http.NewRequestWithContext(ctx, req.Method, target, bytes.NewReader(req.Body))
	if err != nil {
		f.logger.Warn("Invalid tunneled request",
			zap.String("request_id", req.RequestID),
			zap.Error(err),
		)
		return badGateway(req.RequestID, "invalid request")
	}

	for name, values := range req.Headers {
		for _, v := range values {
			out.Header.Add(name, v)
		}
	}
	for _, h := range hopByHopHeaders {
		out.Header.Del(h)
	}
	out.Header.Del("Accept-Encoding")
	out.ContentLength = int64(len(req.Body))

	if origHost := out.Header.Get("Host"); origHost != "" {
		out.Header.Set("X-Forwarded-Host", origHost)
		out.Header.Del("Host")
	}
	out.Host = out.URL.Host

	resp, err := f.client.Do(out)
	if err != nil {
		f.logger.Warn("Local service unreachable",
			zap.String("request_id", req.RequestID),
			zap.Error(err),
		)
		return badGateway(req.RequestID, "local service unavailable")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		f.logger.Warn("Reading local response failed",
			zap.String("request_id", req.RequestID),
			zap.Error(err),
		)
		return badGateway(req.RequestID, "local service returned a broken response")
	}

	headers := make(map[string][]string, len(resp.Header))
	for name, values := range resp.Header {
		headers[name] = append([]string(nil), values...)
	}

	return &protocol.Response{
		RequestID:  req.RequestID,
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       body,
	}
}

func badGateway(requestID, message string) *protocol.Response {
	return &protocol.Response{
		RequestID:  requestID,
		StatusCode: http.StatusBadGateway,
		Headers: map[string][]string{
			"Content-Type": {"text/plain; charset=utf-8"},
		},
		Body: []byte(message),
	}
}
