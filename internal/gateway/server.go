package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kasha/gateway/internal/bus"
	"github.com/kasha/gateway/internal/config"
	"github.com/kasha/gateway/internal/janitor"
	"github.com/kasha/gateway/internal/logging"
	"github.com/kasha/gateway/internal/render"
	"github.com/kasha/gateway/internal/siteconfig"
	"github.com/kasha/gateway/internal/sitemap"
	"github.com/kasha/gateway/internal/snapshot"
)

// drainGrace bounds how long in-flight requests may finish during
// shutdown.
const drainGrace = 25 * time.Second

// Server lifecycle states.
const (
	stateRunning int32 = iota
	stateDraining
	stateClosing
	stateClosed
)

// Server owns the HTTP listener and every core component's lifecycle.
type Server struct {
	cfg         *config.Config
	store       *snapshot.RedisStore
	workerBus   *bus.WorkerBus
	registry    *render.Registry
	notifier    *render.Notifier
	coordinator *render.Coordinator
	jan         *janitor.Janitor
	httpSrv     *http.Server

	state atomic.Int32
}

// NewServer connects to the store and the bus and wires the core.
func NewServer(cfg *config.Config) (*Server, error) {
	store, err := snapshot.NewRedisStore(cfg.Store)
	if err != nil {
		return nil, err
	}

	workerBus, err := bus.Dial(cfg.Bus)
	if err != nil {
		store.Close()
		return nil, err
	}

	sites := siteconfig.NewResolver(siteconfig.NewRedisSource(store.Client()), 0)
	registry := render.NewRegistry()
	notifier := render.NewNotifier()
	coordinator := render.NewCoordinator(store, workerBus, registry, sites, notifier, cfg)
	aggregator := sitemap.NewAggregator(store, sites, cfg.Cache)
	jan := janitor.New(store, cfg.Cache.RemoveAfterDuration())

	handler := NewHandler(cfg, coordinator, aggregator, sites, store)

	s := &Server{
		cfg:         cfg,
		store:       store,
		workerBus:   workerBus,
		registry:    registry,
		notifier:    notifier,
		coordinator: coordinator,
		jan:         jan,
		httpSrv: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: time.Duration(cfg.WorkerTimeout+10) * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
	return s, nil
}

// Start begins serving and launches the background loops.
func (s *Server) Start() error {
	if err := s.workerBus.OnReply(s.coordinator.HandleReply); err != nil {
		return err
	}
	s.coordinator.Start()
	s.jan.Start()

	go func() {
		logging.Info("HTTP listener starting", zap.String("addr", s.httpSrv.Addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("HTTP listener failed", zap.Error(err))
		}
	}()
	return nil
}

// Run starts the server and blocks until a shutdown signal arrives.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logging.Info("Shutting down gracefully...", zap.String("signal", sig.String()))
	return s.Shutdown()
}

// Shutdown drains the HTTP listener, then closes the bus
// subscription, the snapshot client, and the janitor, in that order.
// Each transition is idempotent; a second call returns immediately.
func (s *Server) Shutdown() error {
	if !s.state.CompareAndSwap(stateRunning, stateDraining) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), drainGrace)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		logging.Error("HTTP drain error", zap.Error(err))
	}

	s.state.Store(stateClosing)

	if err := s.workerBus.Close(); err != nil {
		logging.Error("bus close error", zap.Error(err))
	}
	s.coordinator.Close()
	s.notifier.Close()
	if err := s.store.Close(); err != nil {
		logging.Error("store close error", zap.Error(err))
	}
	s.jan.Close()

	s.state.Store(stateClosed)
	logging.Info("Server shutdown complete")
	return nil
}
