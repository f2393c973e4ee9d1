package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values come from environment variables (HTTP_ADDR, MATCHER_RADIUS_KM, ...)
// layered over an optional YAML file named by CONFIG_FILE, with defaults that
// let the binary run locally on the in-memory store.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisIndexKey string

	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaEventsTopic   string

	PGDSN         string
	RunMigrations bool
	MigrationsDir string

	MatcherRadiusKm float64
	MatcherTopN     int
	RequestTTL      time.Duration
	SweepInterval   time.Duration
	ETACacheTTL     time.Duration

	DistrictLat float64
	DistrictLon float64

	StripeKey      string
	StripeCurrency string
	FCMEndpoint    string
	FCMKey         string

	LogLevel string
}

// ConsumerConfig configures the driver-location consumer.
type ConsumerConfig struct {
	MetricsAddr   string
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroup    string
	RedisAddr     string
	RedisPassword string
	RedisIndexKey string
	Attempts      int
	RetryDelay    time.Duration
	LogLevel      string
}

func newViper() (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("config_file", "")
	if file := v.GetString("config_file"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
	}
	return v, nil
}

func setServerDefaults(v *viper.Viper) {
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("http_read_timeout", 5*time.Second)
	v.SetDefault("http_write_timeout", 10*time.Second)
	v.SetDefault("http_idle_timeout", 120*time.Second)
	v.SetDefault("http_shutdown_timeout", 15*time.Second)

	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_index_key", "drivers_geohash")

	v.SetDefault("kafka_brokers", "")
	v.SetDefault("kafka_topic", "driver-locations")
	v.SetDefault("kafka_events_topic", "ride-events")

	v.SetDefault("pg_dsn", "")
	v.SetDefault("migrate", false)
	v.SetDefault("migrations_dir", "migrations")

	v.SetDefault("matcher_radius_km", 5.0)
	v.SetDefault("matcher_top_n", 10)
	v.SetDefault("request_ttl", 5*time.Minute)
	v.SetDefault("sweep_interval", 15*time.Second)
	v.SetDefault("eta_cache_ttl", 30*time.Second)

	v.SetDefault("district_lat", 40.7589)
	v.SetDefault("district_lon", -73.9851)

	v.SetDefault("stripe_key", "")
	v.SetDefault("stripe_currency", "usd")
	v.SetDefault("fcm_endpoint", "")
	v.SetDefault("fcm_key", "")

	v.SetDefault("log_level", "info")
}

func LoadServerConfig() (ServerConfig, error) {
	v, err := newViper()
	if err != nil {
		return ServerConfig{}, err
	}
	setServerDefaults(v)

	cfg := ServerConfig{
		HTTPAddr:        v.GetString("http_addr"),
		ReadTimeout:     v.GetDuration("http_read_timeout"),
		WriteTimeout:    v.GetDuration("http_write_timeout"),
		IdleTimeout:     v.GetDuration("http_idle_timeout"),
		ShutdownTimeout: v.GetDuration("http_shutdown_timeout"),

		RedisAddr:     strings.TrimSpace(v.GetString("redis_addr")),
		RedisPassword: v.GetString("redis_password"),
		RedisIndexKey: v.GetString("redis_index_key"),

		KafkaBrokers:       splitAndTrim(v.GetString("kafka_brokers")),
		KafkaLocationTopic: v.GetString("kafka_topic"),
		KafkaEventsTopic:   v.GetString("kafka_events_topic"),

		PGDSN:         v.GetString("pg_dsn"),
		RunMigrations: v.GetBool("migrate"),
		MigrationsDir: v.GetString("migrations_dir"),

		MatcherRadiusKm: v.GetFloat64("matcher_radius_km"),
		MatcherTopN:     v.GetInt("matcher_top_n"),
		RequestTTL:      v.GetDuration("request_ttl"),
		SweepInterval:   v.GetDuration("sweep_interval"),
		ETACacheTTL:     v.GetDuration("eta_cache_ttl"),

		DistrictLat: v.GetFloat64("district_lat"),
		DistrictLon: v.GetFloat64("district_lon"),

		StripeKey:      v.GetString("stripe_key"),
		StripeCurrency: v.GetString("stripe_currency"),
		FCMEndpoint:    v.GetString("fcm_endpoint"),
		FCMKey:         v.GetString("fcm_key"),

		LogLevel: strings.ToLower(v.GetString("log_level")),
	}
	return cfg, cfg.validate()
}

func (c ServerConfig) validate() error {
	var errs []error
	if c.MatcherTopN <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_TOP_N must be > 0"))
	}
	if c.MatcherRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_RADIUS_KM must be > 0"))
	}
	if c.RequestTTL <= 0 {
		errs = append(errs, fmt.Errorf("REQUEST_TTL must be > 0"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("SWEEP_INTERVAL must be > 0"))
	}
	if c.DistrictLat < -90 || c.DistrictLat > 90 || c.DistrictLon < -180 || c.DistrictLon > 180 {
		errs = append(errs, fmt.Errorf("business district %.4f,%.4f out of range", c.DistrictLat, c.DistrictLon))
	}
	if c.FCMEndpoint != "" && c.FCMKey == "" {
		errs = append(errs, fmt.Errorf("FCM_KEY is required when FCM_ENDPOINT is set"))
	}
	return errors.Join(errs...)
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	v, err := newViper()
	if err != nil {
		return ConsumerConfig{}, err
	}
	v.SetDefault("metrics_addr", ":2112")
	v.SetDefault("kafka_brokers", "localhost:9092")
	v.SetDefault("kafka_topic", "driver-locations")
	v.SetDefault("kafka_group", "ride-dispatch-consumer")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_index_key", "drivers_geohash")
	v.SetDefault("consumer_attempts", 3)
	v.SetDefault("consumer_retry_delay", 200*time.Millisecond)
	v.SetDefault("log_level", "info")

	cfg := ConsumerConfig{
		MetricsAddr:   v.GetString("metrics_addr"),
		KafkaBrokers:  splitAndTrim(v.GetString("kafka_brokers")),
		KafkaTopic:    v.GetString("kafka_topic"),
		KafkaGroup:    v.GetString("kafka_group"),
		RedisAddr:     v.GetString("redis_addr"),
		RedisPassword: v.GetString("redis_password"),
		RedisIndexKey: v.GetString("redis_index_key"),
		Attempts:      v.GetInt("consumer_attempts"),
		RetryDelay:    v.GetDuration("consumer_retry_delay"),
		LogLevel:      strings.ToLower(v.GetString("log_level")),
	}

	var errs []error
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must name at least one broker"))
	}
	if cfg.Attempts <= 0 {
		errs = append(errs, fmt.Errorf("CONSUMER_ATTEMPTS must be > 0"))
	}
	return cfg, errors.Join(errs...)
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
