package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/example/mechanic-dispatch/internal/config"
	"github.com/example/mechanic-dispatch/internal/geo"
	"github.com/example/mechanic-dispatch/internal/logging"
	"github.com/example/mechanic-dispatch/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mechanic_dispatch",
		Name:      "consumer_messages_consumed_total",
		Help:      "Total mechanic location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mechanic_dispatch",
		Name:      "consumer_messages_invalid_total",
		Help:      "Total invalid messages received",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mechanic_dispatch",
		Name:      "consumer_redis_updates_total",
		Help:      "Total successful redis updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mechanic_dispatch",
		Name:      "consumer_redis_errors_total",
		Help:      "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger(cfg.LogLevel, "location-consumer")
	defer func() { _ = logger.Sync() }()
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	radapter := &redisAdapter{c: rc}

	// metrics and health
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", zap.String("addr", cfg.MetricsAddr))
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening",
		zap.String("topic", cfg.KafkaTopic),
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("group", cfg.KafkaGroup))

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()

		s, err := decodeSample(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.Debug("invalid message", zap.Error(err), zap.ByteString("key", m.Key))
			continue
		}

		if err := updateRedisWithRetry(ctx, radapter, cfg.RedisGeoKey, s, 3, 200*time.Millisecond); err != nil {
			redisErrors.Inc()
			logger.Warn("redis update failed", zap.String("mechanic_id", s.MechanicID), zap.Error(err))
			continue
		}
		redisUpdates.Inc()
	}
}

func decodeSample(b []byte) (models.LocationSample, error) {
	var s models.LocationSample
	if err := json.Unmarshal(b, &s); err != nil {
		return s, err
	}
	if s.MechanicID == "" {
		return s, errors.New("sample has no mechanicId")
	}
	if err := geo.ValidateCoord(s.Location.Lat, s.Location.Lon); err != nil {
		return s, err
	}
	return s, nil
}

// RedisUpdater is the subset of redis operations the consumer needs.
type RedisUpdater interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
}

type redisAdapter struct{ c redis.Cmdable }

func (r *redisAdapter) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	return r.c.GeoAdd(ctx, key, loc).Err()
}

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	return r.c.HSet(ctx, key, values).Err()
}

func metaKey(mechanicID string) string { return "mechanic:meta:" + mechanicID }

func metaFields(s models.LocationSample) map[string]interface{} {
	fields := map[string]interface{}{
		"lastSeen": strconv.FormatInt(s.RecordedAt.UnixMilli(), 10),
	}
	if s.RequestID != "" {
		fields["requestId"] = s.RequestID
	}
	if s.Accuracy != nil {
		fields["accuracy"] = strconv.FormatFloat(*s.Accuracy, 'f', -1, 64)
	}
	return fields
}

// updateRedisWithRetry writes the position and its metadata, retrying each
// step with a doubling delay.
func updateRedisWithRetry(ctx context.Context, rc RedisUpdater, geoKey string, s models.LocationSample, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		err = rc.GeoAdd(ctx, geoKey, &redis.GeoLocation{Longitude: s.Location.Lon, Latitude: s.Location.Lat, Name: s.MechanicID})
		if err != nil {
			continue
		}
		if err = rc.HSet(ctx, metaKey(s.MechanicID), metaFields(s)); err != nil {
			continue
		}
		return nil
	}
	return err
}
