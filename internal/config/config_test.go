package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.CacheBackend != CacheMemory || cfg.RedisGeoKey != "ambulances_geo" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.KafkaLocationTopic != "ambulance-locations" || cfg.WSPongWait <= cfg.WSPingInterval {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadServerConfigFromEnv(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("CACHE_BACKEND", "Redis")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("CACHE_BEDS_TTL", "3s")
	t.Setenv("MIGRATE", "TRUE")
	t.Setenv("NEARBY_AMBULANCES", "5")

	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("brokers not parsed: %v", cfg.KafkaBrokers)
	}
	if cfg.CacheBackend != CacheRedis || cfg.BedsTTL != 3*time.Second || !cfg.RunMigrations || cfg.NearbyAmbulances != 5 {
		t.Fatalf("env not applied: %+v", cfg)
	}
}

func TestLoadServerConfigJoinsErrors(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("CACHE_BACKEND", "memcached")
	t.Setenv("HTTP_READ_TIMEOUT", "soon")
	t.Setenv("WS_PING_INTERVAL", "90s")

	_, err := LoadServerConfig()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"JWT_SECRET", "CACHE_BACKEND", "HTTP_READ_TIMEOUT", "WS_PONG_WAIT"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoadConsumerConfig(t *testing.T) {
	t.Setenv("KAFKA_LOCATION_TOPIC", "locs")
	cfg, err := LoadConsumerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Topic != "locs" || cfg.GroupID == "" || cfg.RedisGeoKey != "ambulances_geo" {
		t.Fatalf("unexpected consumer config: %+v", cfg)
	}
}
