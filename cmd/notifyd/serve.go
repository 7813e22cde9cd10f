package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/aslanahmtv/notification-service/docs"
	"github.com/aslanahmtv/notification-service/internal/auth"
	"github.com/aslanahmtv/notification-service/internal/broker"
	"github.com/aslanahmtv/notification-service/internal/config"
	"github.com/aslanahmtv/notification-service/internal/db"
	"github.com/aslanahmtv/notification-service/internal/health"
	"github.com/aslanahmtv/notification-service/internal/logging"
	"github.com/aslanahmtv/notification-service/internal/metrics"
	mw "github.com/aslanahmtv/notification-service/internal/middleware"
	"github.com/aslanahmtv/notification-service/internal/notifications"
	"github.com/aslanahmtv/notification-service/internal/ws"
)

const storeProbeInterval = 15 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the consumer, the websocket endpoint and the read API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := logging.New(cfg.Log)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()
			return a.run(ctx)
		},
	}
}

// app holds every long-lived component of the serve command.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	database *db.DB
	store    notifications.Store
	verifier auth.Verifier

	metrics  *metrics.Collector
	registry *prometheus.Registry
	reporter *health.Reporter

	manager  *ws.Manager
	pipeline *notifications.Pipeline
	source   broker.Source
	consumer *broker.Consumer

	handler http.Handler
	// stopRateLimit ends the rate limiter's sweeper.
	stopRateLimit context.CancelFunc
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics.NewCollector(),
		registry: prometheus.NewRegistry(),
		reporter: health.NewReporter(clock.WallClock, health.ComponentConsumer, health.ComponentStore),
	}
	a.registry.MustRegister(
		a.metrics,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	verifier, _, err := auth.NewVerifier(ctx, cfg.Auth)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("auth: %w", err)
	}
	a.verifier = verifier

	a.manager = ws.NewManager(verifier, ws.NewRegistry(), ws.ConfigFrom(cfg.Realtime), logger, ws.WithMetrics(a.metrics))

	policies, err := notifications.PoliciesFromNames(cfg.Recipients.PolicyList(), cfg.Recipients.CreatorField, a.manager)
	if err != nil {
		a.close()
		return nil, err
	}
	builder := notifications.NewBuilder(a.manager, policies...)
	a.pipeline = notifications.NewPipeline(builder, a.store, a.manager, a.metrics, logger)

	a.source, err = broker.NewSource(cfg.Broker, logger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("broker: %w", err)
	}
	a.consumer = broker.NewConsumer(a.source, broker.ConsumerConfig{
		MaxRetries: cfg.Broker.MaxRetries,
		RetryDelay: cfg.Broker.RetryDelay(),
	}, logger,
		broker.WithStateListener(a.reporter.ConsumerListener()),
		broker.WithStateListener(func(s broker.State) {
			a.metrics.ConsumerState(int(s))
			if s == broker.StateReconnecting {
				a.metrics.BrokerReconnect()
			}
		}),
	)

	rlCtx, cancel := context.WithCancel(context.Background())
	a.stopRateLimit = cancel
	a.handler = a.routes(rlCtx)
	return a, nil
}

// openStore selects PostgreSQL when DATABASE_URL is set and the in-process
// store otherwise.
func (a *app) openStore(ctx context.Context) error {
	if a.cfg.Database.URL == "" {
		a.logger.Warn().Msg("DATABASE_URL not set, notifications are kept in memory")
		a.store = notifications.NewMemoryStore()
		a.reporter.Set(health.ComponentStore, health.StatusOK, "in-memory")
		return nil
	}

	if a.cfg.Database.AutoMigrate {
		if err := db.RunMigrations(a.cfg.Database.URL); err != nil {
			return err
		}
		a.logger.Info().Msg("database migrations applied")
	}
	database, err := db.New(ctx, a.cfg.Database.URL, a.cfg.Database.MaxConns)
	if err != nil {
		return err
	}
	a.database = database
	a.store = notifications.NewPostgresStore(database.Pool)
	return nil
}

func (a *app) routes(ctx context.Context) http.Handler {
	r := mux.NewRouter()

	r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	a.reporter.RegisterRoutes(r)
	docs.RegisterRoutes(r)
	ws.NewWSHandler(a.manager, a.cfg.CORS.OriginList()).RegisterRoutes(r)

	api := r.NewRoute().Subrouter()
	api.Use(mw.AuthMiddleware(a.verifier))
	api.Use(mw.RateLimitMiddleware(ctx, a.cfg.RateLimit.RPS, a.cfg.RateLimit.Burst))
	notifications.NewHandlers(a.store).RegisterRoutes(api)

	// CORS wraps the router so preflight requests never reach mux routing.
	return mw.CORS(a.cfg.CORS.OriginList())(mw.AccessLog(a.logger)(mw.Recover(r)))
}

// run serves until ctx ends, then stops in order: the consumer first so no
// new notifications are built, then the listeners, then the websocket
// connections, which get a close frame after their queues drain.
func (a *app) run(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:           ":" + strconv.Itoa(a.cfg.Server.HTTPPort),
		Handler:        a.handler,
		ReadTimeout:    a.cfg.Server.ReadTimeout,
		WriteTimeout:   a.cfg.Server.WriteTimeout,
		IdleTimeout:    a.cfg.Server.IdleTimeout,
		MaxHeaderBytes: 1 << 20, // 1 MB
	}
	grpcSrv := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, a.reporter.GRPCServer())

	grpcLis, err := net.Listen("tcp", ":"+strconv.Itoa(a.cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	consumerCtx, stopConsumer := context.WithCancel(context.WithoutCancel(ctx))
	defer stopConsumer()
	consumerDone := make(chan struct{})
	g.Go(func() error {
		defer close(consumerDone)
		if err := a.consumer.Run(consumerCtx, a.pipeline.Handle); err != nil {
			// Health is fatal now; the read API keeps serving until restarted.
			a.logger.Error().Err(err).Msg("consumer stopped")
		}
		return nil
	})

	g.Go(func() error { return a.manager.Run(gctx) })

	if a.database != nil {
		g.Go(func() error {
			a.reporter.Probe(gctx, health.ComponentStore, storeProbeInterval, a.database.Ping)
			return nil
		})
	}

	g.Go(func() error {
		a.logger.Info().Str("addr", httpSrv.Addr).Msg("http server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		a.logger.Info().Str("addr", grpcLis.Addr().String()).Msg("grpc health server listening")
		if err := grpcSrv.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info().Msg("shutting down")

		stopConsumer()
		<-consumerDone

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownGrace)
		defer cancel()

		a.reporter.Shutdown()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn().Err(err).Msg("http shutdown")
		}
		grpcStopped := make(chan struct{})
		go func() {
			grpcSrv.GracefulStop()
			close(grpcStopped)
		}()
		select {
		case <-grpcStopped:
		case <-shutdownCtx.Done():
			grpcSrv.Stop()
		}

		if err := a.manager.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn().Err(err).Msg("websocket connections did not drain in time")
		}
		a.logger.Info().Msg("shutdown complete")
		return nil
	})

	return g.Wait()
}

func (a *app) close() {
	if a.stopRateLimit != nil {
		a.stopRateLimit()
	}
	if a.database != nil {
		a.database.Close()
	}
}
