package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// EnvPrefix namespaces environment overrides: db.max_conns is OADM_DB_MAX_CONNS.
const EnvPrefix = "OADM"

type App struct {
	Name     string `mapstructure:"name"`
	LogLevel string `mapstructure:"log_level"`
}

type HTTP struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DB struct {
	// URL wins over the discrete fields when set.
	URL      string `mapstructure:"url"`
	User     string `mapstructure:"user"`
	Pass     string `mapstructure:"pass"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	MaxConns int32  `mapstructure:"max_conns"`
}

type NSQ struct {
	Enabled        bool   `mapstructure:"enabled"`
	NsqdTCPAddr    string `mapstructure:"nsqd_tcp_addr"`    // e.g. nsqd:4150
	LookupHTTPAddr string `mapstructure:"lookup_http_addr"` // e.g. nsqlookupd:4161
	NsqdHTTPAddr   string `mapstructure:"nsqd_http_addr"`   // stats endpoint for queue-monitor
	EventsTopic    string `mapstructure:"events_topic"`
	Channel        string `mapstructure:"channel"`
	DLQTopic       string `mapstructure:"dlq_topic"`
	PublishDLQ     bool   `mapstructure:"publish_dlq"`
	MaxInFlight    int    `mapstructure:"max_in_flight"`
	Concurrency    int    `mapstructure:"concurrency"`
}

type Redis struct {
	// URL enables the cross-replica sweep lease when set.
	URL string `mapstructure:"url"`
}

type Delivery struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxResponseBody int           `mapstructure:"max_response_body"`
	UserAgent       string        `mapstructure:"user_agent"`
	BackoffSchedule string        `mapstructure:"backoff_schedule"` // comma separated durations
}

// Backoff returns the parsed retry schedule, or the default when it does not
// parse. Load rejects such schedules through Validate.
func (d Delivery) Backoff() []time.Duration {
	durations, err := parseBackoffSchedule(d.BackoffSchedule)
	if err != nil {
		return defaultBackoff()
	}
	return durations
}

type Sweep struct {
	Enabled    bool          `mapstructure:"enabled"`
	Schedule   string        `mapstructure:"schedule"`
	BatchSize  int           `mapstructure:"batch_size"`
	MaxBatch   int           `mapstructure:"max_batch"`
	LockTTL    time.Duration `mapstructure:"lock_ttl"`
	RunTimeout time.Duration `mapstructure:"run_timeout"`
}

type Auth struct {
	JWTPublicKey     string `mapstructure:"jwt_public_key"`
	JWTPublicKeyFile string `mapstructure:"jwt_public_key_file"`
	Issuer           string `mapstructure:"issuer"`
	Audience         string `mapstructure:"audience"`
	TrustProxy       bool   `mapstructure:"trust_proxy"`
	CronSecret       string `mapstructure:"cron_secret"`
}

// PublicKeyPEM returns the inline key or the contents of the key file.
func (a Auth) PublicKeyPEM() (string, error) {
	if a.JWTPublicKey != "" {
		return a.JWTPublicKey, nil
	}
	if a.JWTPublicKeyFile == "" {
		return "", nil
	}
	b, err := os.ReadFile(a.JWTPublicKeyFile)
	if err != nil {
		return "", fmt.Errorf("read jwt public key: %w", err)
	}
	return string(b), nil
}

type Tracing struct {
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

type FakeReceiver struct {
	Addr          string        `mapstructure:"addr"`
	Secret        string        `mapstructure:"secret"`         // for signature verification
	FailFirstN    int           `mapstructure:"fail_first_n"`   // requests answered with 500 first
	SigningLeeway time.Duration `mapstructure:"signing_leeway"` // allowed timestamp skew
	ResponseDelay time.Duration `mapstructure:"response_delay"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
}

type Config struct {
	App          App          `mapstructure:"app"`
	HTTP         HTTP         `mapstructure:"http"`
	Store        string       `mapstructure:"store"`
	DB           DB           `mapstructure:"db"`
	NSQ          NSQ          `mapstructure:"nsq"`
	Redis        Redis        `mapstructure:"redis"`
	Delivery     Delivery     `mapstructure:"delivery"`
	Sweep        Sweep        `mapstructure:"sweep"`
	Auth         Auth         `mapstructure:"auth"`
	Tracing      Tracing      `mapstructure:"tracing"`
	FakeReceiver FakeReceiver `mapstructure:"fake_receiver"`
}

// Load reads embedded defaults, merges the YAML file at path (if any) and
// applies OADM_* environment overrides. DATABASE_URL, REDIS_URL and
// OADM_WEBHOOK_CRON_SECRET are honored as well.
func Load(path string) (Config, error) {
	v := viper.New()

	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("db.url", "OADM_DB_URL", "DATABASE_URL")
	_ = v.BindEnv("redis.url", "OADM_REDIS_URL", "REDIS_URL")
	_ = v.BindEnv("auth.cron_secret", "OADM_AUTH_CRON_SECRET", "OADM_WEBHOOK_CRON_SECRET")
	_ = v.BindEnv("tracing.endpoint", "OADM_TRACING_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	switch c.Store {
	case "memory", "postgres":
	default:
		return fmt.Errorf("store must be memory or postgres, got %q", c.Store)
	}
	if c.Delivery.Timeout <= 0 {
		return fmt.Errorf("delivery.timeout must be positive")
	}
	if c.Delivery.MaxResponseBody <= 0 {
		return fmt.Errorf("delivery.max_response_body must be positive")
	}
	if _, err := parseBackoffSchedule(c.Delivery.BackoffSchedule); err != nil {
		return fmt.Errorf("delivery.backoff_schedule: %w", err)
	}
	if c.Sweep.BatchSize <= 0 || c.Sweep.MaxBatch < c.Sweep.BatchSize {
		return fmt.Errorf("sweep.batch_size must be in 1..sweep.max_batch")
	}
	return nil
}

func defaultBackoff() []time.Duration {
	return []time.Duration{30 * time.Second, 2 * time.Minute, 10 * time.Minute, 30 * time.Minute}
}

// parseBackoffSchedule parses comma separated delays. An empty schedule is
// the default; every entry must be a positive duration.
func parseBackoffSchedule(schedule string) ([]time.Duration, error) {
	if strings.TrimSpace(schedule) == "" {
		return defaultBackoff(), nil
	}

	parts := strings.Split(schedule, ",")
	durations := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		d, err := time.ParseDuration(part)
		if err != nil {
			return nil, fmt.Errorf("invalid delay %q: %w", part, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("delay %q must be positive", part)
		}
		durations = append(durations, d)
	}
	return durations, nil
}

// DSN returns the Postgres connection URL.
func (c Config) DSN() string {
	if c.DB.URL != "" {
		return c.DB.URL
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DB.User, c.DB.Pass),
		Host:     c.DB.Host + ":" + c.DB.Port,
		Path:     "/" + c.DB.Name,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}
