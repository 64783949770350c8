package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/predperp/perp-engine/internal/api"
	"github.com/predperp/perp-engine/internal/config"
	"github.com/predperp/perp-engine/internal/engine"
	"github.com/predperp/perp-engine/internal/events"
	"github.com/predperp/perp-engine/internal/logging"
	"github.com/predperp/perp-engine/internal/metrics"
	"github.com/predperp/perp-engine/internal/model"
	"github.com/predperp/perp-engine/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger := logging.New("perp-engine", "info")
		bootLogger.Fatal().Err(err).Msg("invalid configuration")
	}
	logger := newLogger(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	if cfg.Store.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("database connection failed")
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if cfg.Store.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				logger.Fatal().Err(err).Msg("schema migration failed")
			}
		}
		st = pg
		logger.Info().Msg("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Store.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.Store.RedisURL)
			if err != nil {
				logger.Fatal().Err(err).Msg("invalid store.redis_url")
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Store.CacheTTL)
			logger.Info().Dur("ttl", cfg.Store.CacheTTL).Msg("Redis cache enabled")
		}
	} else {
		logger.Warn().Msg("store.database_url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Event sinks ---
	hub := api.NewWSHub(cfg.Server.AllowedOrigin, logger.With().Str("module", "ws").Logger())
	go hub.Run(ctx)
	sinks := events.Multi{hub}

	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("perp-engine"))
		if err != nil {
			logger.Fatal().Err(err).Msg("NATS connection failed")
		}
		cleanup = append(cleanup, nc.Close)
		js, err := jetstream.New(nc)
		if err != nil {
			logger.Fatal().Err(err).Msg("JetStream unavailable")
		}
		if err := events.EnsureStream(ctx, js, cfg.NATS.Stream, cfg.NATS.SubjectPrefix); err != nil {
			logger.Fatal().Err(err).Msg("event stream setup failed")
		}
		pub := events.NewNATSPublisher(js, cfg.NATS.SubjectPrefix, 1024, logger.With().Str("module", "nats").Logger())
		go func() {
			if err := pub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("event publisher stopped")
			}
		}()
		sinks = append(sinks, pub)
		logger.Info().Str("stream", cfg.NATS.Stream).Msg("publishing events to NATS")
	}

	// --- Engine ---
	opts, err := engineOptions(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid engine configuration")
	}
	eng := engine.New(engine.Config{
		Store:   st,
		Sink:    sinks,
		Logger:  logger.With().Str("module", "engine").Logger(),
		Options: opts,
	})
	if err := eng.SyncMetrics(ctx); err != nil {
		logger.Warn().Err(err).Msg("could not seed market gauges")
	}

	svc := api.NewService(eng, logger.With().Str("module", "api").Logger())

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors(cfg.Server.AllowedOrigin))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"perp-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// The stream is long-lived, so it sits outside the request timeout.
		r.Get("/ws", hub.HandleWS)
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.Server.WriteTimeout))
			svc.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("perp-engine listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info().Msg("shutting down perp-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
	logger.Info().Msg("perp-engine stopped")
}

func newLogger(c config.LoggingConfig) zerolog.Logger {
	if c.Format == "console" {
		return logging.NewWithWriter(logging.Console(), "perp-engine", c.Level)
	}
	return logging.New("perp-engine", c.Level)
}

// engineOptions converts durations to whole seconds, the engine's unit of
// time.
func engineOptions(cfg *config.Config) (engine.Options, error) {
	fillers := make([]model.Pubkey, 0, len(cfg.Engine.Fillers))
	for _, s := range cfg.Engine.Fillers {
		pk, err := model.ParsePubkey(s)
		if err != nil {
			return engine.Options{}, err
		}
		fillers = append(fillers, pk)
	}
	d := cfg.MarketDefaults
	return engine.Options{
		OracleMaxAge:        int64(cfg.Engine.OracleMaxAge / time.Second),
		Fillers:             fillers,
		MaxMarkets:          cfg.Engine.MaxMarkets,
		MaxPositionNotional: cfg.Engine.MaxPositionNotional,
		Protocol: engine.InitializeParams{
			MinCollateral:          cfg.Protocol.MinCollateral,
			LiquidationMarginRatio: cfg.Protocol.LiquidationMarginRatio,
			MaxLeverage:            cfg.Protocol.MaxLeverage,
		},
		Market: engine.MarketParams{
			FundingPeriod:          int64(d.FundingPeriod / time.Second),
			TakerFee:               d.TakerFee,
			MakerRebate:            d.MakerRebate,
			MarginRatioInitial:     d.MarginRatioInitial,
			MarginRatioMaintenance: d.MarginRatioMaintenance,
			MinOrderSize:           d.MinOrderSize,
			OrderTickSize:          d.TickSize,
			BaseSpread:             d.BaseSpread,
			MaxSpread:              d.MaxSpread,
		},
	}, nil
}

// requestLogger logs each request through zerolog once it completes.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("elapsed", time.Since(start)).
				Msg("http request")
		})
	}
}

// cors answers preflight requests and tags responses for browser clients.
func cors(origin string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+api.SignerHeader)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
