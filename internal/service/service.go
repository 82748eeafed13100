// ABOUTME: Service wires the relay together from config and runs the Telegram poller and admin API
// ABOUTME: Owns startup order, optional Tailscale listener and graceful shutdown of every component

package service

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"golang.org/x/sync/errgroup"
	"tailscale.com/tsnet"

	"github.com/2389/topic-relay/internal/adminapi"
	"github.com/2389/topic-relay/internal/auth"
	"github.com/2389/topic-relay/internal/config"
	"github.com/2389/topic-relay/internal/dedupe"
	"github.com/2389/topic-relay/internal/links"
	"github.com/2389/topic-relay/internal/metrics"
	"github.com/2389/topic-relay/internal/relay"
	"github.com/2389/topic-relay/internal/store"
	"github.com/2389/topic-relay/internal/telegram"
	"github.com/2389/topic-relay/internal/topics"
)

// Poller receives updates until its context is cancelled.
type Poller interface {
	Start(ctx context.Context)
}

// Service is a running topic-relay instance.
type Service struct {
	config *config.Config
	logger *slog.Logger

	store      store.Store
	metrics    *metrics.Metrics
	poller     Poller
	dispatcher *telegram.Dispatcher
	dedupe     dedupe.Deduper

	admin       *adminapi.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server

	closeOnce sync.Once
	closeErr  error
}

// New connects to Telegram and builds every component.
func New(cfg *config.Config, logger *slog.Logger) (*Service, error) {
	var dispatcher *telegram.Dispatcher
	b, err := bot.New(cfg.Telegram.BotToken,
		bot.WithDefaultHandler(func(ctx context.Context, b *bot.Bot, update *models.Update) {
			dispatcher.HandleUpdate(ctx, b, update)
		}),
		bot.WithErrorsHandler(func(err error) {
			logger.Error("telegram polling error", "component", "telegram", "error", err)
		}),
		bot.WithAllowedUpdates(bot.AllowedUpdates{"message"}),
	)
	if err != nil {
		return nil, fmt.Errorf("creating telegram bot: %w", err)
	}

	svc, err := build(cfg, logger, b, b)
	if err != nil {
		return nil, err
	}
	// Polling starts in Run, after the handler target is set.
	dispatcher = svc.dispatcher
	return svc, nil
}

// build assembles the service around an already constructed Bot API client.
func build(cfg *config.Config, logger *slog.Logger, api telegram.API, poller Poller) (*Service, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	svc := &Service{
		config:  cfg,
		logger:  logger.With("component", "service"),
		store:   s,
		metrics: metrics.New(),
		poller:  poller,
	}
	if err := svc.wire(api); err != nil {
		_ = s.Close()
		if svc.dedupe != nil {
			_ = svc.dedupe.Close()
		}
		return nil, err
	}
	return svc, nil
}

func (s *Service) wire(api telegram.API) error {
	cfg := s.config
	logger := s.logger

	gateway := telegram.NewClient(api, logger)

	registry, err := topics.NewRegistry(topics.Config{
		Store:       s.store,
		Gateway:     gateway,
		WorkspaceID: cfg.Telegram.OperatorGroupID,
		Metrics:     s.metrics,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("creating topic registry: %w", err)
	}

	var audit store.MessageLog
	if cfg.Relay.LogMessages {
		audit = s.store
	}
	engine, err := relay.NewEngine(relay.Config{
		Topics:  registry,
		Links:   links.NewTracker(s.store, logger),
		Gateway: gateway,
		Audit:   audit,
		Metrics: s.metrics,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("creating relay engine: %w", err)
	}

	s.dedupe, err = newDeduper(cfg.Relay, logger)
	if err != nil {
		return err
	}

	s.dispatcher, err = telegram.NewDispatcher(telegram.DispatcherConfig{
		Relay:          engine,
		Gateway:        gateway,
		OperatorChatID: cfg.Telegram.OperatorGroupID,
		Greeting:       cfg.Telegram.Greeting,
		Dedupe:         s.dedupe,
		Audit:          s.store,
		LogMessages:    cfg.Relay.LogMessages,
		Metrics:        s.metrics,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("creating dispatcher: %w", err)
	}

	if !cfg.AdminEnabled() {
		logger.Info("admin API disabled - no http_addr and tailscale off")
		return nil
	}

	var verifier auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return fmt.Errorf("creating HTTP JWT verifier: %w", err)
		}
		verifier = v
	}
	s.admin, err = adminapi.New(adminapi.Config{
		Store:    s.store,
		Topics:   registry,
		Metrics:  s.metrics,
		Verifier: verifier,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("creating admin API: %w", err)
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           s.admin.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// newDeduper picks Redis when a URL is configured so replicas share redelivery state.
func newDeduper(cfg config.RelayConfig, logger *slog.Logger) (dedupe.Deduper, error) {
	if cfg.RedisURL != "" {
		d, err := dedupe.NewRedisDeduper(context.Background(), cfg.RedisURL, cfg.DedupeTTL)
		if err != nil {
			return nil, fmt.Errorf("connecting dedupe redis: %w", err)
		}
		logger.Info("using redis for update dedupe")
		return d, nil
	}
	return dedupe.NewMemoryCache(cfg.DedupeTTL, cfg.DedupeMaxEntries, cfg.DedupeTTL/2), nil
}

// AdminHandler returns the admin API handler, or nil when the API is disabled.
func (s *Service) AdminHandler() http.Handler {
	if s.admin == nil {
		return nil
	}
	return s.admin.Handler()
}

// Run polls Telegram and serves the admin API until ctx is cancelled or a server fails.
func (s *Service) Run(ctx context.Context) error {
	httpLn, err := s.setupListener(ctx)
	if err != nil {
		_ = s.close()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("polling telegram", "operator_group_id", s.config.Telegram.OperatorGroupID)
		s.poller.Start(gctx)
		return nil
	})
	if httpLn != nil {
		g.Go(func() error {
			s.logger.Info("admin API listening", "addr", httpLn.Addr().String())
			if err := s.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return s.httpServer.Shutdown(shutdownCtx)
		})
	}

	serverErr := g.Wait()
	shutdownErr := s.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown uses a fresh context since the run context is already cancelled.
func (s *Service) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// Shutdown waits for in-flight updates, then releases every resource. Safe to call twice.
func (s *Service) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")

	var errs []error
	if s.httpServer != nil {
		errs = appendCloseError(errs, "HTTP shutdown", s.httpServer.Shutdown(ctx))
	}

	done := make(chan struct{})
	go func() {
		s.dispatcher.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for in-flight updates: %w", ctx.Err()))
	}

	if err := s.close(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

func (s *Service) close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.tsnetServer != nil {
			errs = appendCloseError(errs, "tailscale shutdown", s.tsnetServer.Close())
		}
		if s.dedupe != nil {
			errs = appendCloseError(errs, "dedupe close", s.dedupe.Close())
		}
		errs = appendCloseError(errs, "store close", s.store.Close())
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// setupListener returns the admin listener, or nil when the API is disabled.
func (s *Service) setupListener(ctx context.Context) (net.Listener, error) {
	if s.httpServer == nil {
		return nil, nil
	}
	if s.config.Tailscale.Enabled {
		return s.setupTailscaleListener(ctx)
	}
	ln, err := net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", s.config.Server.HTTPAddr, err)
	}
	return ln, nil
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "topic-relay", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and serves the admin API over HTTPS with
// Tailscale-provisioned certificates.
func (s *Service) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := s.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	s.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	s.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := s.tsnetServer.Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	var dnsName string
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	s.logger.Info("tailscale node ready", "hostname", tsCfg.Hostname, "dns_name", dnsName)

	ln, err := s.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := s.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}
