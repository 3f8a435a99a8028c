package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/arcs-remote/arcs-server/internal/audit"
	"github.com/arcs-remote/arcs-server/internal/command"
	"github.com/arcs-remote/arcs-server/internal/config"
	"github.com/arcs-remote/arcs-server/internal/ratelimit"
	"github.com/arcs-remote/arcs-server/internal/registry"
	"github.com/arcs-remote/arcs-server/internal/session"
	"github.com/arcs-remote/arcs-server/internal/stream"
	"github.com/arcs-remote/arcs-server/internal/token"
)

// shutdownGrace bounds how long in-flight HTTP requests may linger once
// shutdown starts.
const shutdownGrace = 10 * time.Second

// Server assembles the relay and runs it until its context is
// cancelled.
type Server struct {
	cfg      *config.Config
	handler  *Handler
	sessions *session.Manager
	devices  *registry.Registry
	audit    *audit.Logger
}

// New builds a fully wired relay from configuration.
func New(cfg *config.Config) (*Server, error) {
	tokens, err := token.NewService(cfg.TokenSecret, cfg.TokenExpiryHours)
	if err != nil {
		return nil, err
	}
	devices, err := registry.Open(cfg.RegistryPath)
	if err != nil {
		return nil, err
	}
	auditLog, err := audit.New(cfg.AuditLogPath)
	if err != nil {
		_ = devices.Close()
		return nil, err
	}

	sessions := session.NewManager(cfg.MaxSessions)
	streams := stream.NewRouter()
	limiter := ratelimit.New()
	commands := command.NewRouter(limiter, auditLog)
	handler := NewHandler(cfg, sessions, tokens, devices, streams, commands, limiter, auditLog)

	return &Server{
		cfg:      cfg,
		handler:  handler,
		sessions: sessions,
		devices:  devices,
		audit:    auditLog,
	}, nil
}

// Handler exposes the wired hub, mainly for tests that mount it on
// their own listener.
func (s *Server) Handler() *Handler { return s.handler }

// Run serves until ctx is cancelled, then drains connections and
// flushes the audit trail.
func (s *Server) Run(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if s.cfg.TLSEnabled() {
			log.Info().Str("addr", s.cfg.ListenAddr).Msg("Listening with TLS")
			err := httpSrv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}
		log.Info().Str("addr", s.cfg.ListenAddr).Msg("Listening")
		err := httpSrv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		s.sessions.RunSweeper(ctx, s.cfg.IdleTimeout, s.handler.ExpireSession)
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down")

		s.handler.CloseAll()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("HTTP shutdown incomplete")
		}

		if err := s.audit.Flush(); err != nil {
			log.Warn().Err(err).Msg("Audit flush failed")
		}
		return nil
	})

	err := g.Wait()

	_ = s.audit.Close()
	if closeErr := s.devices.Close(); closeErr != nil {
		log.Warn().Err(closeErr).Msg("Registry close failed")
	}
	return err
}
