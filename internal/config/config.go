package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without Postgres, Redis or Kafka.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	PGDSN         string
	RunMigrations bool

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	CacheBackend string
	RequestsTTL  time.Duration
	HospitalsTTL time.Duration
	BedsTTL      time.Duration

	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaEventsTopic   string

	JWTSecret string
	JWTIssuer string

	WebhookURL string
	WebhookKey string
	OSRMURL    string

	WSPingInterval time.Duration
	WSPongWait     time.Duration
	WSSendBuffer   int

	AmbulanceSpeedMps float64
	NearbyAmbulances  int

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		RedisGeoKey:        "ambulances_geo",
		CacheBackend:       CacheMemory,
		RequestsTTL:        15 * time.Second,
		HospitalsTTL:       30 * time.Second,
		BedsTTL:            10 * time.Second,
		KafkaLocationTopic: "ambulance-locations",
		JWTIssuer:          "emergency-connect",
		WSPingInterval:     30 * time.Second,
		WSPongWait:         60 * time.Second,
		WSSendBuffer:       256,
		AmbulanceSpeedMps:  11,
		NearbyAmbulances:   3,
		LogLevel:           "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if v := os.Getenv("CACHE_BACKEND"); v != "" {
		cfg.CacheBackend = strings.ToLower(strings.TrimSpace(v))
	}
	setDurationFromEnv(&cfg.RequestsTTL, "CACHE_REQUESTS_TTL", &errs)
	setDurationFromEnv(&cfg.HospitalsTTL, "CACHE_HOSPITALS_TTL", &errs)
	setDurationFromEnv(&cfg.BedsTTL, "CACHE_BEDS_TTL", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	setStringFromEnv(&cfg.JWTIssuer, "JWT_ISSUER")

	cfg.WebhookURL = strings.TrimSpace(os.Getenv("WEBHOOK_URL"))
	cfg.WebhookKey = os.Getenv("WEBHOOK_KEY")
	cfg.OSRMURL = strings.TrimSpace(os.Getenv("OSRM_URL"))

	setDurationFromEnv(&cfg.WSPingInterval, "WS_PING_INTERVAL", &errs)
	setDurationFromEnv(&cfg.WSPongWait, "WS_PONG_WAIT", &errs)
	setIntFromEnv(&cfg.WSSendBuffer, "WS_SEND_BUFFER", &errs)

	setFloatFromEnv(&cfg.AmbulanceSpeedMps, "AMBULANCE_SPEED_MPS", &errs)
	setIntFromEnv(&cfg.NearbyAmbulances, "NEARBY_AMBULANCES", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	switch cfg.CacheBackend {
	case CacheMemory:
	case CacheRedis:
		if cfg.RedisAddr == "" {
			errs = append(errs, errors.New("CACHE_BACKEND=redis requires REDIS_ADDR"))
		}
	default:
		errs = append(errs, fmt.Errorf("CACHE_BACKEND must be %q or %q", CacheMemory, CacheRedis))
	}
	if cfg.WSPongWait <= cfg.WSPingInterval {
		errs = append(errs, errors.New("WS_PONG_WAIT must exceed WS_PING_INTERVAL"))
	}
	if cfg.WSSendBuffer <= 0 {
		errs = append(errs, errors.New("WS_SEND_BUFFER must be > 0"))
	}
	if cfg.AmbulanceSpeedMps <= 0 {
		errs = append(errs, errors.New("AMBULANCE_SPEED_MPS must be > 0"))
	}
	if cfg.NearbyAmbulances <= 0 {
		errs = append(errs, errors.New("NEARBY_AMBULANCES must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig drives the location consumer process.
type ConsumerConfig struct {
	KafkaBrokers []string
	Topic        string
	GroupID      string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	MetricsAddr string
	LogLevel    string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		KafkaBrokers: []string{"localhost:9092"},
		Topic:        "ambulance-locations",
		GroupID:      "emergency-connect-locations",
		RedisAddr:    "localhost:6379",
		RedisGeoKey:  "ambulances_geo",
		MetricsAddr:  ":2112",
		LogLevel:     "info",
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.Topic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.GroupID, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
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
