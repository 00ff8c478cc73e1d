// Package api serves the query, ingestion and administration HTTP API.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/testoor/pkg/analytics"
	"github.com/ethpandaops/testoor/pkg/config"
	"github.com/ethpandaops/testoor/pkg/ingest"
	"github.com/ethpandaops/testoor/pkg/maintenance"
	"github.com/ethpandaops/testoor/pkg/store"
)

const (
	shutdownTimeout = 10 * time.Second
	maxBodyBytes    = 8 << 20
)

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
	// Handler returns the router. It is usable without Start.
	Handler() http.Handler
}

// LevelController adjusts the process log level at runtime.
// *logrus.Logger satisfies it.
type LevelController interface {
	GetLevel() logrus.Level
	SetLevel(level logrus.Level)
}

// Dependencies are the components the API serves. Scheduler, WebSocket,
// Sessions and Levels are optional.
type Dependencies struct {
	Store     store.Store
	Gateway   *ingest.Gateway
	Flaky     analytics.Detector
	Scheduler maintenance.Scheduler
	WebSocket http.Handler
	Sessions  func() int
	Levels    LevelController
	Version   string
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log         logrus.FieldLogger
	cfg         *config.Config
	deps        Dependencies
	screenshots *screenshotServer
	router      http.Handler
	httpServer  *http.Server
	started     time.Time
	wg          sync.WaitGroup
	done        chan struct{}
	stopOnce    sync.Once

	// flakyThreshold holds a float64 changed through PUT /config.
	flakyThreshold atomic.Value
}

// NewServer creates a new API server.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.Config,
	deps Dependencies,
) Server {
	s := &server{
		log:     log.WithField("component", "api"),
		cfg:     cfg,
		deps:    deps,
		started: time.Now(),
		done:    make(chan struct{}),
	}

	s.flakyThreshold.Store(cfg.Analytics.FlakyThreshold)

	if len(cfg.Server.ScreenshotDirs) > 0 {
		s.screenshots = newScreenshotServer(s.log, cfg.Server.ScreenshotDirs)
	}

	s.router = s.buildRouter()

	return s
}

func (s *server) Handler() http.Handler {
	return s.router
}

// Start binds the listener and serves in the background.
func (s *server) Start(_ context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", ln.Addr().String()).Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server. The components in
// Dependencies are owned and stopped by the caller.
func (s *server) Stop() error {
	s.stopOnce.Do(func() { close(s.done) })

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	s.log.Info("API server stopped")

	return nil
}

func (s *server) currentFlakyThreshold() float64 {
	v, _ := s.flakyThreshold.Load().(float64)

	return v
}
