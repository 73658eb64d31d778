package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/tbourn/go-realtime-coordinator/internal/config"
	"github.com/tbourn/go-realtime-coordinator/internal/feed"
	httpapi "github.com/tbourn/go-realtime-coordinator/internal/http"
	"github.com/tbourn/go-realtime-coordinator/internal/http/middleware"
	"github.com/tbourn/go-realtime-coordinator/internal/observability"
	"github.com/tbourn/go-realtime-coordinator/internal/repo"
	"github.com/tbourn/go-realtime-coordinator/internal/services"
)

const (
	shutdownGrace    = 10 * time.Second
	maxPurgeInterval = time.Hour
)

// NewServeCommand creates the serve command.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	var migrateFirst bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and change feed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if migrateFirst && opts.cfg.DBDriver == config.DriverPostgres {
				if err := repo.RunMigrations(opts.cfg.DatabaseURL); err != nil {
					return err
				}
			}
			srv, err := newServer(ctx, opts.cfg, opts.log)
			if err != nil {
				return err
			}
			return srv.run(ctx)
		},
	}
	cmd.Flags().BoolVar(&migrateFirst, "migrate", true, "apply PostgreSQL migrations before serving")
	return cmd
}

// server is the assembled process: store, feed, views and HTTP transport.
type server struct {
	cfg    config.Config
	log    zerolog.Logger
	db     *gorm.DB
	broker *feed.Broker
	views  *services.ViewService
	engine *gin.Engine

	// background loops started by run
	listener     *feed.PGListener
	shutdownOTel func(context.Context) error
}

func newServer(ctx context.Context, cfg config.Config, log zerolog.Logger) (*server, error) {
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, Version)
	if err != nil {
		return nil, fmt.Errorf("otel: %w", err)
	}

	db, err := repo.Open(repo.Options{
		Driver:      cfg.DBDriver,
		SQLitePath:  cfg.DBPath,
		DatabaseURL: cfg.DatabaseURL,
		Tracing:     cfg.OTEL.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if cfg.DBDriver != config.DriverPostgres {
		if err := repo.AutoMigrate(db); err != nil {
			return nil, fmt.Errorf("automigrate: %w", err)
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := observability.NewCollector(reg)

	broker := feed.NewBroker(
		feed.WithBuffer(cfg.FeedBuffer),
		feed.WithLogger(log.With().Str("component", "feed").Logger()),
		feed.WithRecorder(collector),
	)
	s := &server{cfg: cfg, log: log, db: db, broker: broker, shutdownOTel: shutdownOTel}

	switch cfg.FeedDriver {
	case config.FeedPostgres:
		s.listener = feed.NewPGListener(cfg.DatabaseURL, broker, log.With().Str("component", "pglistener").Logger())
		s.listener.Reload = feed.ReloadFrom(db)
	default:
		if err := feed.Attach(db, broker); err != nil {
			return nil, fmt.Errorf("attach feed: %w", err)
		}
	}

	reactions := services.NewReactionService(db, log.With().Str("component", "reactions").Logger(), collector)
	reactions.CheckFirst = cfg.ReactionCheckFirst
	s.views = services.NewViewService(db, broker, reactions,
		&services.MessageService{DB: db, MaxContentRunes: cfg.MaxContentRunes},
		&services.CheckoutPoller{
			DB:          db,
			Interval:    cfg.Checkout.PollInterval,
			MaxDuration: cfg.Checkout.PollMax,
			Log:         log.With().Str("component", "checkout").Logger(),
		},
		services.ViewConfig{
			OutboxSize:    cfg.View.OutboxSize,
			IdleTTL:       cfg.View.IdleTTL,
			QuietWindow:   cfg.View.QuietWindow,
			PromptTimeout: cfg.View.PromptTimeout,
		},
		log.With().Str("component", "views").Logger(), collector)
	s.views.Staff = services.NewStaffSet(cfg.SupportStaff)

	var verifier middleware.TokenVerifier
	if cfg.FirebaseCredentials != "" {
		client, err := middleware.NewFirebaseVerifier(ctx, cfg.FirebaseCredentials)
		if err != nil {
			return nil, fmt.Errorf("firebase: %w", err)
		}
		verifier = client
	} else {
		log.Warn().Msg("FIREBASE_CREDENTIALS unset; trusting X-User-ID")
	}

	gin.SetMode(cfg.GinMode)
	s.engine = gin.New()
	httpapi.RegisterRoutes(s.engine, httpapi.Deps{
		DB:       db,
		Views:    s.views,
		Verifier: verifier,
		Registry: reg,
	}, cfg)
	return s, nil
}

// run serves until ctx is done, then drains views and the HTTP server.
func (s *server) run(ctx context.Context) error {
	go s.views.RunReaper(ctx)
	go s.purgeIdempotency(ctx, purgeInterval(s.cfg.IdempotencyTTL))
	if s.listener != nil {
		go func() {
			if err := s.listener.Run(ctx); err != nil {
				s.log.Error().Err(err).Msg("change feed stopped")
				s.broker.FailAll(err)
			}
		}()
	}

	httpSrv := &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.engine,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		MaxHeaderBytes:    s.cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", httpSrv.Addr).Str("version", Version).Msg("listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	s.log.Info().Msg("shutting down")
	// Closing the views ends their event streams so Shutdown can finish.
	s.views.CloseAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn().Err(err).Msg("http shutdown")
	}
	s.broker.Close()
	if err := s.shutdownOTel(shutdownCtx); err != nil {
		s.log.Warn().Err(err).Msg("otel shutdown")
	}
	if sqlDB, err := s.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	return serveErr
}

// purgeIdempotency deletes expired Idempotency-Key records every interval
// until ctx is done.
func (s *server) purgeIdempotency(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := repo.PurgeExpiredIdempotency(ctx, s.db, now.UTC())
			if err != nil {
				s.log.Warn().Err(err).Msg("purge idempotency keys")
				continue
			}
			if n > 0 {
				s.log.Debug().Int64("deleted", n).Msg("purged idempotency keys")
			}
		}
	}
}

func purgeInterval(ttl time.Duration) time.Duration {
	if ttl <= 0 || ttl > maxPurgeInterval {
		return maxPurgeInterval
	}
	return ttl
}
