package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig captures all tunable parameters for the dispatch API process.
// Values come from defaults, then an optional YAML file named by
// CONFIG_FILE, then environment variables.
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	ReadTimeout     time.Duration `yaml:"http_read_timeout"`
	WriteTimeout    time.Duration `yaml:"http_write_timeout"`
	IdleTimeout     time.Duration `yaml:"http_idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"http_shutdown_timeout"`

	Store    string `yaml:"store"`
	PGDSN    string `yaml:"pg_dsn"`
	MongoURI string `yaml:"mongo_uri"`
	MongoDB  string `yaml:"mongo_db"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisGeoKey   string `yaml:"redis_geo_key"`

	Bus        string `yaml:"bus"`
	BusChannel string `yaml:"bus_channel"`
	NATSURL    string `yaml:"nats_url"`

	KafkaBrokers       []string `yaml:"kafka_brokers"`
	KafkaLocationTopic string   `yaml:"kafka_location_topic"`
	KafkaEventsTopic   string   `yaml:"kafka_events_topic"`

	JWTSecret      string   `yaml:"jwt_secret"`
	AllowedOrigins []string `yaml:"allowed_origins"`

	WSPingInterval time.Duration `yaml:"ws_ping_interval"`
	WSPongWait     time.Duration `yaml:"ws_pong_wait"`
	WSSendBuffer   int           `yaml:"ws_send_buffer"`
	PollWait       time.Duration `yaml:"poll_wait"`
	PollSessionTTL time.Duration `yaml:"poll_session_ttl"`

	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`

	AverageSpeedKMH  float64 `yaml:"average_speed_kmh"`
	OSRMURL          string  `yaml:"osrm_url"`
	NearbyRadiusKm   float64 `yaml:"nearby_radius_km"`
	PendingListLimit int     `yaml:"pending_list_limit"`
	SeedMechanics    string  `yaml:"seed_mechanics"`

	LogLevel      string `yaml:"log_level"`
	Tracing       string `yaml:"tracing"`
	RunMigrations bool   `yaml:"migrate"`
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       40 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		Store:              "memory",
		MongoDB:            "mechanic_dispatch",
		RedisGeoKey:        "mechanics_geo",
		Bus:                "local",
		BusChannel:         "dispatch.rooms",
		KafkaLocationTopic: "mechanic-locations",
		KafkaEventsTopic:   "request-events",
		WSPingInterval:     25 * time.Second,
		WSPongWait:         60 * time.Second,
		WSSendBuffer:       64,
		PollWait:           25 * time.Second,
		PollSessionTTL:     60 * time.Second,
		RateLimitRPS:       5,
		RateLimitBurst:     10,
		AverageSpeedKMH:    30,
		NearbyRadiusKm:     10,
		PendingListLimit:   20,
		LogLevel:           "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return cfg, err
		}
	}

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setStringFromEnv(&cfg.Store, "STORE")
	setStringFromEnv(&cfg.PGDSN, "PG_DSN")
	setStringFromEnv(&cfg.MongoURI, "MONGO_URI")
	setStringFromEnv(&cfg.MongoDB, "MONGO_DB")

	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	setStringFromEnv(&cfg.Bus, "BUS")
	setStringFromEnv(&cfg.BusChannel, "BUS_CHANNEL")
	setStringFromEnv(&cfg.NATSURL, "NATS_URL")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")

	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitAndTrim(v)
	}

	setDurationFromEnv(&cfg.WSPingInterval, "WS_PING_INTERVAL", &errs)
	setDurationFromEnv(&cfg.WSPongWait, "WS_PONG_WAIT", &errs)
	setIntFromEnv(&cfg.WSSendBuffer, "WS_SEND_BUFFER", &errs)
	setDurationFromEnv(&cfg.PollWait, "POLL_WAIT", &errs)
	setDurationFromEnv(&cfg.PollSessionTTL, "POLL_SESSION_TTL", &errs)

	setFloatFromEnv(&cfg.RateLimitRPS, "RATE_LIMIT_RPS", &errs)
	setIntFromEnv(&cfg.RateLimitBurst, "RATE_LIMIT_BURST", &errs)

	setFloatFromEnv(&cfg.AverageSpeedKMH, "AVERAGE_SPEED_KMH", &errs)
	setStringFromEnv(&cfg.OSRMURL, "OSRM_URL")
	setFloatFromEnv(&cfg.NearbyRadiusKm, "NEARBY_RADIUS_KM", &errs)
	setIntFromEnv(&cfg.PendingListLimit, "PENDING_LIST_LIMIT", &errs)
	setStringFromEnv(&cfg.SeedMechanics, "SEED_MECHANICS")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	setStringFromEnv(&cfg.Tracing, "TRACING")
	if v := os.Getenv("MIGRATE"); v != "" {
		cfg.RunMigrations = strings.EqualFold(v, "true")
	}

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c ServerConfig) validate() []error {
	var errs []error
	switch c.Store {
	case "memory":
	case "postgres":
		if c.PGDSN == "" {
			errs = append(errs, errors.New("STORE=postgres requires PG_DSN"))
		}
	case "mongo":
		if c.MongoURI == "" {
			errs = append(errs, errors.New("STORE=mongo requires MONGO_URI"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE %q", c.Store))
	}
	switch c.Bus {
	case "local":
	case "redis":
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("BUS=redis requires REDIS_ADDR"))
		}
	case "nats":
		if c.NATSURL == "" {
			errs = append(errs, errors.New("BUS=nats requires NATS_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown BUS %q", c.Bus))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET must be set"))
	}
	if c.WSPingInterval >= c.WSPongWait {
		errs = append(errs, errors.New("WS_PING_INTERVAL must be shorter than WS_PONG_WAIT"))
	}
	if c.WSSendBuffer <= 0 {
		errs = append(errs, errors.New("WS_SEND_BUFFER must be > 0"))
	}
	if c.PendingListLimit <= 0 {
		errs = append(errs, errors.New("PENDING_LIST_LIMIT must be > 0"))
	}
	if c.AverageSpeedKMH <= 0 {
		errs = append(errs, errors.New("AVERAGE_SPEED_KMH must be > 0"))
	}
	return errs
}

// ConsumerConfig drives cmd/consumer, which folds the location topic into
// the Redis position index.
type ConsumerConfig struct {
	KafkaBrokers  []string `yaml:"kafka_brokers"`
	KafkaTopic    string   `yaml:"kafka_location_topic"`
	KafkaGroup    string   `yaml:"kafka_group"`
	RedisAddr     string   `yaml:"redis_addr"`
	RedisPassword string   `yaml:"redis_password"`
	RedisGeoKey   string   `yaml:"redis_geo_key"`
	MetricsAddr   string   `yaml:"metrics_addr"`
	LogLevel      string   `yaml:"log_level"`
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "mechanic-locations",
		KafkaGroup:   "mechanic-dispatch-consumer",
		RedisAddr:    "localhost:6379",
		RedisGeoKey:  "mechanics_geo",
		MetricsAddr:  ":2112",
		LogLevel:     "info",
	}
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if len(cfg.KafkaBrokers) == 0 {
		return cfg, errors.New("KAFKA_BROKERS must list at least one broker")
	}
	return cfg, nil
}

func loadYAML(path string, into any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, into); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
