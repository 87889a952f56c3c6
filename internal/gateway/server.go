package gateway

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wudi/ignite/internal/config"
	"github.com/wudi/ignite/internal/logging"
	"go.uber.org/zap"
)

// Server wraps the gateway with HTTP server functionality
type Server struct {
	gateway     *Gateway
	config      *config.Config
	configPath  string
	httpServer  *http.Server
	adminServer *http.Server
	watcher     *config.Watcher
	startTime   time.Time
}

// NewServer creates a new gateway server.
// configPath is the path to the YAML config file (watched for changes).
func NewServer(cfg *config.Config, configPath string) (*Server, error) {
	gw, err := New(cfg)
	if err != nil {
		return nil, err
	}

	s := &Server{
		gateway:    gw,
		config:     cfg,
		configPath: configPath,
		startTime:  time.Now(),
		httpServer: &http.Server{
			Addr:         cfg.Listen.Address,
			Handler:      gw.Handler(),
			ReadTimeout:  cfg.Listen.ReadTimeout,
			WriteTimeout: cfg.Listen.WriteTimeout,
			IdleTimeout:  cfg.Listen.IdleTimeout,
		},
	}

	if cfg.Admin.Enabled {
		s.adminServer = &http.Server{
			Addr:         cfg.Admin.Address,
			Handler:      s.adminHandler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}

	return s, nil
}

// Start loads the gateway state and starts the listeners
func (s *Server) Start(ctx context.Context) error {
	if err := s.gateway.Start(ctx); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}
	s.startWatcher()

	errCh := make(chan error, 2)

	go func() {
		logging.Info("Starting gateway listener", zap.String("address", s.config.Listen.Address))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("gateway listener error: %w", err)
		}
	}()

	if s.adminServer != nil {
		go func() {
			logging.Info("Starting admin server", zap.String("address", s.config.Admin.Address))
			if err := s.adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("admin server error: %w", err)
			}
		}()
	}

	// Wait for error or continue
	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		// Give servers a moment to start
	}

	return nil
}

func (s *Server) startWatcher() {
	if s.configPath == "" {
		return
	}
	w, err := config.NewWatcher(s.configPath)
	if err != nil {
		logging.Warn("Config watcher disabled", zap.Error(err))
		return
	}
	w.OnChange(s.gateway.ApplyConfig)
	if err := w.Start(); err != nil {
		logging.Warn("Config watcher disabled", zap.Error(err))
		w.Stop()
		return
	}
	s.watcher = w
}

// Run starts the server and handles graceful shutdown.
// SIGHUP reloads routes, keys and client access; SIGINT/SIGTERM triggers shutdown.
func (s *Server) Run() error {
	if err := s.Start(context.Background()); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(quit)

	for sig := range quit {
		switch sig {
		case syscall.SIGHUP:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			if err := s.gateway.Reload(ctx); err != nil {
				logging.Error("Reload failed", zap.Error(err))
			} else {
				logging.Info("Reloaded routes, keys and client access")
			}
			cancel()
		default:
			logging.Info("Shutting down gracefully...", zap.String("signal", sig.String()))
			return s.Shutdown(s.config.Shutdown.Timeout)
		}
	}

	return nil
}

// Shutdown gracefully shuts down the servers
func (s *Server) Shutdown(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.watcher != nil {
		s.watcher.Stop()
	}

	// Shutdown admin server first
	if s.adminServer != nil {
		if err := s.adminServer.Shutdown(ctx); err != nil {
			logging.Error("Admin server shutdown error", zap.Error(err))
		}
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		logging.Error("Gateway listener shutdown error", zap.Error(err))
	}

	if err := s.gateway.Close(); err != nil {
		logging.Error("Gateway close error", zap.Error(err))
		return err
	}

	logging.Info("Gateway stopped")
	return nil
}

// Gateway returns the gateway
func (s *Server) Gateway() *Gateway {
	return s.gateway
}
