package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/mechanic-dispatch/internal/arbiter"
	"github.com/example/mechanic-dispatch/internal/auth"
	"github.com/example/mechanic-dispatch/internal/bus"
	"github.com/example/mechanic-dispatch/internal/config"
	"github.com/example/mechanic-dispatch/internal/dispatch"
	"github.com/example/mechanic-dispatch/internal/eta"
	"github.com/example/mechanic-dispatch/internal/geo"
	httpapi "github.com/example/mechanic-dispatch/internal/http"
	"github.com/example/mechanic-dispatch/internal/ingest"
	"github.com/example/mechanic-dispatch/internal/logging"
	"github.com/example/mechanic-dispatch/internal/matcher"
	"github.com/example/mechanic-dispatch/internal/models"
	"github.com/example/mechanic-dispatch/internal/observability"
	"github.com/example/mechanic-dispatch/internal/presence"
	"github.com/example/mechanic-dispatch/internal/realtime"
	"github.com/example/mechanic-dispatch/internal/relay"
	"github.com/example/mechanic-dispatch/internal/storage"
)

const serviceName = "mechanic-dispatch"

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel, serviceName)
	defer func() { _ = logger.Sync() }()
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.SetupTracer(ctx, serviceName, cfg.Tracing)
	if err != nil {
		logger.Fatal("tracer setup failed", zap.Error(err))
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("store unavailable", zap.Error(err))
	}

	var readyChecks []httpapi.ReadyCheck

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		readyChecks = append(readyChecks, httpapi.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}

	var index geo.Geo = geo.NewIndex()
	if rdb != nil {
		index = geo.NewRedisGeo(rdb, cfg.RedisGeoKey)
	}

	if cfg.SeedMechanics != "" {
		mechs, err := storage.LoadSeed(cfg.SeedMechanics)
		if err == nil {
			err = storage.Seed(ctx, store, mechs, time.Now().UTC())
		}
		if err != nil {
			logger.Fatal("seeding mechanics failed", zap.Error(err))
		}
		logger.Info("mechanics seeded", zap.String("file", cfg.SeedMechanics), zap.Int("count", len(mechs)))
	}
	primed, err := primeIndex(ctx, store, index)
	if err != nil {
		logger.Fatal("priming position index failed", zap.Error(err))
	}
	logger.Info("position index primed", zap.Int("mechanics", primed))

	var nc *nats.Conn
	var roomBus bus.Bus
	switch cfg.Bus {
	case "redis":
		roomBus = bus.NewRedisBus(rdb, cfg.BusChannel, logger)
	case "nats":
		nc, err = nats.Connect(cfg.NATSURL, nats.Name(serviceName))
		if err != nil {
			logger.Fatal("nats connect failed", zap.Error(err))
		}
		readyChecks = append(readyChecks, httpapi.ReadyCheck{Name: "nats", Check: func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("nats disconnected")
			}
			return nil
		}})
		roomBus = bus.NewNATSBus(nc, cfg.BusChannel, logger)
	default:
		roomBus = bus.NewLocal()
	}

	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.KafkaEventsTopic)
	}

	clock := models.SystemClock{}
	hub := dispatch.NewHub(presence.NewRegistry(), logger)
	if err := hub.Start(ctx, roomBus); err != nil {
		logger.Fatal("room bus subscribe failed", zap.Error(err))
	}
	broadcaster := dispatch.NewBroadcaster(roomBus, clock, logger)

	arbOpts := []arbiter.Option{arbiter.WithClock(clock), arbiter.WithLogger(logger)}
	sinks := relay.MultiSink{relay.IndexSink{Index: index}}
	var events arbiter.EventPublisher
	var locations httpapi.LocationPublisher
	if producer != nil {
		events = producer
		locations = producer
		arbOpts = append(arbOpts, arbiter.WithEvents(producer))
		sinks = append(sinks, producer)
	}
	arb := arbiter.New(store, broadcaster, arbOpts...)
	relaySvc := relay.New(broadcaster, relay.WithSink(sinks), relay.WithClock(clock), relay.WithLogger(logger))

	verifier := auth.NewVerifier(cfg.JWTSecret)
	manager := realtime.NewManager(hub, broadcaster, relaySvc, store, logger)
	ws := realtime.NewWSTransport(manager, verifier, realtime.WSConfig{
		PingInterval:   cfg.WSPingInterval,
		PongWait:       cfg.WSPongWait,
		SendBuffer:     cfg.WSSendBuffer,
		AllowedOrigins: cfg.AllowedOrigins,
	}, logger)
	poll := realtime.NewPollTransport(manager, verifier, realtime.PollConfig{
		Wait:       cfg.PollWait,
		SessionTTL: cfg.PollSessionTTL,
		SendBuffer: cfg.WSSendBuffer,
	}, logger)
	go poll.Run(ctx)

	var primary eta.Estimator
	if cfg.OSRMURL != "" {
		primary = eta.NewOSRMClient(cfg.OSRMURL)
	}
	estimator := &eta.Chain{
		Primary:  primary,
		Fallback: eta.SpeedEstimator{KMH: cfg.AverageSpeedKMH},
		Cache:    eta.NewCache(30 * time.Second),
	}

	var limiter *httpapi.RateLimiter
	if rdb != nil {
		limiter = httpapi.NewRateLimiter(rdb, cfg.RateLimitRPS, cfg.RateLimitBurst, logger)
	}

	api := httpapi.NewServer(httpapi.Deps{
		Store:        store,
		Arbiter:      arb,
		Broadcaster:  broadcaster,
		Matcher:      &matcher.Service{Geo: index, Mechanics: store, ETA: estimator, Logger: logger, RadiusKm: cfg.NearbyRadiusKm},
		ETA:          estimator,
		Geo:          index,
		Locations:    locations,
		Events:       events,
		Verifier:     verifier,
		RateLimiter:  limiter,
		Realtime:     ws,
		Poll:         poll,
		ReadyChecks:  readyChecks,
		Clock:        clock,
		Logger:       logger,
		PendingLimit: cfg.PendingListLimit,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("mechanic-dispatch listening",
			zap.String("addr", cfg.HTTPAddr),
			zap.String("store", cfg.Store),
			zap.String("bus", cfg.Bus))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := hub.Stop(); err != nil {
		logger.Warn("hub stop", zap.Error(err))
	}
	if producer != nil {
		if err := producer.Close(); err != nil {
			logger.Warn("kafka producer close", zap.Error(err))
		}
	}
	if nc != nil {
		nc.Close()
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	if err := store.Close(); err != nil {
		logger.Warn("store close", zap.Error(err))
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown", zap.Error(err))
	}
}

func openStore(ctx context.Context, cfg config.ServerConfig, logger *zap.Logger) (storage.Store, error) {
	switch cfg.Store {
	case "postgres":
		ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		if cfg.RunMigrations {
			applied, err := ps.Migrate(ctx, "migrations")
			if err != nil {
				_ = ps.Close()
				return nil, err
			}
			logger.Info("migrations applied", zap.Strings("files", applied))
		}
		return ps, nil
	case "mongo":
		ms, err := storage.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			return nil, err
		}
		return ms, nil
	default:
		return storage.NewMemoryStore(), nil
	}
}

// primeIndex copies every stored mechanic with a known location into the
// position index so nearby searches work before the first location report.
func primeIndex(ctx context.Context, store storage.MechanicStore, index geo.Geo) (int, error) {
	mechs, err := store.ListMechanics(ctx, storage.MechanicFilter{})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range mechs {
		if m.CurrentLocation == nil {
			continue
		}
		if err := index.Upsert(ctx, m.ID, *m.CurrentLocation); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
