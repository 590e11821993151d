package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"safewalk/internal/bus"
	"safewalk/internal/config"
	"safewalk/internal/db"
	"safewalk/internal/handlers"
	"safewalk/internal/identity"
	"safewalk/internal/ledger"
	"safewalk/internal/otel"
	"safewalk/internal/ratelimit"
	"safewalk/internal/session"
	"safewalk/internal/sms"
	"safewalk/internal/store"
	"safewalk/internal/sweep"
	"safewalk/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	cleanup, err := otel.Init(ctx, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("init otel")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := cleanup(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown otel")
		}
	}()

	database, err := db.Connect(ctx, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect database")
	}
	defer func() {
		if err := db.Close(database); err != nil {
			log.Error().Err(err).Msg("close database")
		}
	}()

	if err := db.Migrate(ctx, database); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}

	pool, err := db.OpenPool(ctx, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("open pgx pool")
	}
	defer pool.Close()

	st, err := store.New(database, pool)
	if err != nil {
		log.Fatal().Err(err).Msg("build store")
	}

	var eventBus *bus.Bus
	if cfg.NATSURL != "" {
		eventBus, err = bus.New(cfg.NATSURL)
		if err != nil {
			log.Fatal().Err(err).Msg("connect nats")
		}
		defer eventBus.Close()
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("parse redis url")
		}
		redisClient = redis.NewClient(redisOpts)
		defer redisClient.Close()
	}

	gateway, err := sms.NewClient(sms.Config{
		AccountSID: cfg.TwilioAccountSID,
		AuthToken:  cfg.TwilioAuthToken,
		FromNumber: cfg.TwilioFromNumber,
		BaseURL:    cfg.TwilioBaseURL,
		Timeout:    cfg.TwilioTimeout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("build sms gateway")
	}
	dispatcher := sms.NewDispatcher(gateway, log.Logger)

	credits := ledger.NewStore(pool)

	svc, err := session.NewService(session.Config{
		Store:      st.Sessions,
		Contacts:   st.Contacts,
		Profiles:   st.Profiles,
		Logs:       st.Logs,
		Credits:    credits,
		Dispatcher: dispatcher,
		Bus:        eventBus,
		Logger:     log.Logger,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("build session service")
	}

	sweeper := sweep.New(sweep.Config{
		Store:      st.Sessions,
		Contacts:   st.Contacts,
		Profiles:   st.Profiles,
		Logs:       st.Logs,
		Heartbeats: st.Heartbeats,
		Credits:    credits,
		Dispatcher: dispatcher,
		Interval:   cfg.SweepInterval,
		BatchSize:  cfg.SweepBatchSize,
		Logger:     log.Logger,
	})
	go sweeper.Run(ctx)

	r := handlers.Router(handlers.Options{
		Service:        svc,
		Identity:       identity.NewHTTPProvider(cfg.IdentityBaseURL, cfg.IdentityTimeout),
		Heartbeats:     st.Heartbeats,
		Deliveries:     st.Logs,
		Logger:         log.Logger,
		AllowedOrigins: cfg.AllowedOrigins,
		StartLimiter:   limiter(redisClient, cfg.StartLimit, cfg.RateLimitWindow),
		SosLimiter:     limiter(redisClient, cfg.SosLimit, cfg.RateLimitWindow),
		TestLimiter:    limiter(redisClient, cfg.TestSmsLimit, cfg.RateLimitWindow),
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           otelhttp.NewHandler(r, "safewalk-http"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Str("version", version.Version).Msg("starting safewalkd")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown server")
	}
}

func limiter(client *redis.Client, limit int, window time.Duration) *ratelimit.Limiter {
	if limit <= 0 {
		return nil
	}
	// Avoid handing the limiter a typed nil; without redis it fails open.
	var universal redis.UniversalClient
	if client != nil {
		universal = client
	}
	return ratelimit.New(universal, limit, window, log.Logger)
}
