// Package server assembles the relay: registry, control WebSocket
// endpoint, public ingress, metrics and the traffic event sink.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"outray/internal/server/auth"
	"outray/internal/server/config"
	"outray/internal/server/events"
	"outray/internal/server/ingress"
	"outray/internal/server/metrics"
	"outray/internal/server/tunnel"
	"outray/internal/server/ws"
)

// Server is the assembled relay process.
type Server struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	registry  *tunnel.Registry
	wsHandler *ws.Handler
	proxy     *ingress.Proxy
	sink      *events.Sink

	redisClient *redis.Client
	httpServer  *http.Server
}

// New wires the relay from configuration. Optional collaborators (Redis
// leases, ClickHouse events, dashboard auth) are enabled by their
// respective config sections.
func New(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	s := &Server{cfg: cfg, logger: logger}

	var store tunnel.Store
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("redis url: %w", err)
		}
		s.redisClient = redis.NewClient(opt)
		store = tunnel.NewRedisStore(s.redisClient)
		logger.Info("Distributed identity leases enabled", zap.String("addr", opt.Addr))
	}

	if cfg.ClickHouse.URL != "" {
		writer, err := events.NewClickHouseWriter(events.ClickHouseConfig{
			URL:      cfg.ClickHouse.URL,
			User:     cfg.ClickHouse.User,
			Password: cfg.ClickHouse.Password,
			Database: cfg.ClickHouse.Database,
			Table:    cfg.ClickHouse.Table,
		})
		if err != nil {
			return nil, fmt.Errorf("clickhouse: %w", err)
		}
		s.sink = events.NewSink(writer, logger, events.Options{})
		logger.Info("Traffic event sink enabled", zap.String("table", cfg.ClickHouse.Table))
	}

	var dropped metrics.DroppedFunc
	if s.sink != nil {
		dropped = s.sink.Dropped
	}
	s.metrics = metrics.New(dropped)

	s.registry = tunnel.NewRegistry(logger, tunnel.Options{
		RequestTimeout:    cfg.RequestTimeout(),
		Store:             store,
		LeaseTTL:          cfg.Redis.LeaseTTL(),
		HeartbeatInterval: cfg.Redis.HeartbeatInterval(),
	})

	var authenticator auth.Authenticator
	var policy auth.SubdomainPolicy
	if cfg.Dashboard.APIURL != "" {
		api := auth.NewAPIClient(cfg.Dashboard.APIURL, cfg.Dashboard.AuthToken)
		authenticator = api
		policy = api
	} else if len(cfg.StaticKeys) > 0 {
		authenticator = auth.NewStaticAuthenticator(cfg.StaticKeys)
	}

	s.wsHandler = ws.NewHandler(s.registry, authenticator, policy, logger, s.metrics, ws.Options{
		BaseDomain:   cfg.BaseDomain,
		PublicScheme: cfg.PublicScheme,
		RequireAuth:  cfg.RequireAuth,
	})
	s.proxy = ingress.NewProxy(s.registry, cfg.BaseDomain, logger, s.sink, s.metrics)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// routes builds the process mux. Operational endpoints live under a
// reserved path prefix; everything else is public tunnel traffic.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.ControlPath, s.wsHandler)
	mux.Handle("/_tunnel/metrics", s.metrics.Handler())
	mux.HandleFunc("/_tunnel/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/_tunnel/tunnels/", s.handleAdminStop)
	mux.Handle("/", s.proxy)
	return mux
}

// handleAdminStop tears down a tunnel on operator request:
// POST /_tunnel/tunnels/<identity>/stop. Requires the dashboard token.
func (s *Server) handleAdminStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	token := s.cfg.Dashboard.AuthToken
	if token == "" || r.Header.Get("Authorization") != "Bearer "+token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/_tunnel/tunnels/")
	identity, action, ok := strings.Cut(rest, "/")
	if !ok || action != "stop" || identity == "" {
		http.NotFound(w, r)
		return
	}

	if !s.wsHandler.StopTunnel(identity) {
		http.Error(w, "no such tunnel", http.StatusNotFound)
		return
	}
	s.logger.Info("Tunnel stopped by operator", zap.String("identity", identity))
	w.WriteHeader(http.StatusOK)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Relay listening",
			zap.String("addr", s.cfg.ListenAddr),
			zap.String("base_domain", s.cfg.BaseDomain),
		)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}

	s.wsHandler.Close()
	s.registry.Close()
	if s.sink != nil {
		s.sink.Close()
	}
	if s.redisClient != nil {
		s.redisClient.Close()
	}
	return nil
}
