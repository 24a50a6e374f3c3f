// Package server hosts the relay's HTTP surface: the websocket endpoint,
// the account and room API, and the admin listener with metrics and probes.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/courier-chat/courier/internal/auth"
	"github.com/courier-chat/courier/internal/config"
	"github.com/courier-chat/courier/internal/directory"
	"github.com/courier-chat/courier/internal/history"
	"github.com/courier-chat/courier/internal/registry"
	"github.com/courier-chat/courier/internal/router"
	"github.com/courier-chat/courier/internal/store"
)

// RelayServer wires dependencies and hosts the HTTP listeners.
type RelayServer struct {
	cfg       config.Config
	log       *zap.Logger
	users     *auth.FileStore
	dir       *directory.Directory
	store     store.MessageStore
	registry  *registry.Registry
	httpSrv   *http.Server
	adminHTTP *http.Server
	metrics   *relayMetrics
	ready     atomic.Bool
}

// NewRelayServer constructs a server with its dependencies.
func NewRelayServer(cfg config.Config, logger *zap.Logger, users *auth.FileStore, dir *directory.Directory, st store.MessageStore) *RelayServer {
	if st == nil {
		st = store.NewMemoryStore()
	}
	return &RelayServer{
		cfg:   cfg,
		log:   logger,
		users: users,
		dir:   dir,
		store: st,
	}
}

// Start boots the HTTP server and blocks until shutdown.
func (s *RelayServer) Start(ctx context.Context) error {
	secret, err := s.cfg.TokenSecret()
	if err != nil {
		return err
	}
	tokens, err := auth.NewTokens(secret, s.cfg.Auth.TokenTTL)
	if err != nil {
		return fmt.Errorf("token signer: %w", err)
	}
	resolver := auth.NewResolver(tokens, s.users)

	subs := registry.NewSubscriptions(s.dir)
	s.registry = registry.New(registry.Config{
		Log:        s.log,
		Limit:      s.cfg.Relay.MaxConnections,
		SendBuffer: s.cfg.Relay.SendBuffer,
		Subs:       subs,
	})

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.metrics = newRelayMetrics(promReg, func() float64 { return float64(subs.Len()) })
	s.startAdminServer(promReg)

	rt := router.New(router.Config{
		Log:             s.log,
		Roster:          s.dir,
		Store:           s.store,
		Subs:            subs,
		MaxMessageBytes: s.cfg.Relay.MaxMessageBytes,
		Stats:           s.metrics,
	})
	hist := history.New(s.dir, s.store, s.cfg.Relay.HistoryLimit, s.cfg.Relay.HistoryMaxLimit)

	relay := NewRelayService(s.log, resolver, s.registry, subs, rt, hist, s.dir, RelayOptions{
		Metrics:      s.metrics,
		ReadLimit:    s.cfg.Relay.ReadLimit,
		PingInterval: s.cfg.Relay.PingInterval,
		PongTimeout:  s.cfg.Relay.PongTimeout,
		WriteTimeout: s.cfg.Relay.DeliveryTimeout,
	})
	api := NewAPIService(s.log, s.users, tokens, resolver, s.dir, hist, s.registry)
	api.OnLogout(relay.AnnounceOffline)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", relay.HandleWS)
	api.Register(mux)

	s.httpSrv = &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: s.cfg.Admin.ReadHeaderTimeout,
	}

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGracePeriod)
		defer cancel()
		s.Shutdown(stopCtx)
	}()

	s.log.Info("relay listening", zap.String("address", s.cfg.ListenAddress))
	s.ready.Store(true)
	err = s.httpSrv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve http: %w", err)
	}
	return nil
}

func (s *RelayServer) startAdminServer(reg *prometheus.Registry) {
	if s.cfg.Admin.Address == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if s.ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not_ready"))
	})

	s.adminHTTP = &http.Server{
		Addr:              s.cfg.Admin.Address,
		Handler:           mux,
		ReadHeaderTimeout: s.cfg.Admin.ReadHeaderTimeout,
	}

	go func() {
		if err := s.adminHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server stopped", zap.Error(err))
		}
	}()
	s.log.Info("admin server listening", zap.String("address", s.cfg.Admin.Address))
}

// Shutdown attempts a graceful stop before forcing termination. Live
// connections are drained so clients observe a clean close frame.
func (s *RelayServer) Shutdown(ctx context.Context) {
	s.ready.Store(false)

	if s.adminHTTP != nil {
		if err := s.adminHTTP.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server shutdown", zap.Error(err))
		}
	}
	if s.registry != nil {
		s.registry.Drain()
	}
	if s.httpSrv == nil {
		return
	}
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.log.Warn("graceful shutdown timed out; forcing stop")
		_ = s.httpSrv.Close()
		return
	}
	s.log.Info("relay stopped")
}
