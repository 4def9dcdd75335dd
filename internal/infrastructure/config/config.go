package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/aadhaar-prerana/prerana-core/internal/domain/cohort"
)

// EnvPrefix is stripped from environment overrides. PRERANA_SERVER_PORT
// sets server.port.
const EnvPrefix = "PRERANA_"

// DefaultPath is read when Load is given no path. It may be absent.
const DefaultPath = "configs/config.yaml"

type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`

	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Redis     RedisConfig     `koanf:"redis"`
	Events    EventsConfig    `koanf:"events"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Engine    EngineConfig    `koanf:"engine"`
	Gap       GapConfig       `koanf:"gap"`
}

type ServerConfig struct {
	Port            int             `koanf:"port"`
	ReadTimeout     time.Duration   `koanf:"read_timeout"`
	WriteTimeout    time.Duration   `koanf:"write_timeout"`
	ShutdownTimeout time.Duration   `koanf:"shutdown_timeout"`
	RateLimit       RateLimitConfig `koanf:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `koanf:"requests_per_second"`
	BurstSize         int `koanf:"burst_size"`
}

// DatabaseConfig selects the event log backend. An empty URL keeps the
// log in memory.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}

// RedisConfig enables the shared gap ranking cache when URL is set.
type RedisConfig struct {
	URL      string        `koanf:"url"`
	Password string        `koanf:"password"`
	DB       int           `koanf:"db"`
	TTL      time.Duration `koanf:"ttl"`
}

type EventsConfig struct {
	// Transport is one of none, log, kafka or nats.
	Transport      string        `koanf:"transport"`
	Brokers        []string      `koanf:"brokers"`
	Topic          string        `koanf:"topic"`
	NATSURL        string        `koanf:"nats_url"`
	Subject        string        `koanf:"subject"`
	PublishTimeout time.Duration `koanf:"publish_timeout"`
	DLQSize        int           `koanf:"dlq_size"`
}

type TelemetryConfig struct {
	Enabled       bool          `koanf:"enabled"`
	OTLPEndpoint  string        `koanf:"otlp_endpoint"`
	SamplingRate  float64       `koanf:"sampling_rate"`
	ExportTimeout time.Duration `koanf:"export_timeout"`
	BatchTimeout  time.Duration `koanf:"batch_timeout"`
}

// EngineConfig tunes the detection core.
type EngineConfig struct {
	BucketSize         time.Duration `koanf:"bucket_size"`
	BaselineWindows    int           `koanf:"baseline_windows"`
	MinBaseline        int           `koanf:"min_baseline"`
	ZThreshold         float64       `koanf:"z_threshold"`
	ZSentinel          float64       `koanf:"z_sentinel"`
	ClockSkew          time.Duration `koanf:"clock_skew"`
	Shards             int           `koanf:"shards"`
	ShardBuffer        int           `koanf:"shard_buffer"`
	Retention          int           `koanf:"retention"`
	QueryPageSize      int           `koanf:"query_page_size"`
	SchedulerInterval  time.Duration `koanf:"scheduler_interval"`
	GapRefreshInterval time.Duration `koanf:"gap_refresh_interval"`
	AllowedLateness    time.Duration `koanf:"allowed_lateness"`
	RecomputeTimeout   time.Duration `koanf:"recompute_timeout"`
	VelocitySpikePct   float64       `koanf:"velocity_spike_pct"`
	FreezeDuration     time.Duration `koanf:"freeze_duration"`

	EventCalendar []CalendarEntry `koanf:"event_calendar"`
}

// CalendarEntry is a scheduled event that anomalies are correlated with.
// Date is YYYY-MM-DD.
type CalendarEntry struct {
	ID        string `koanf:"id"`
	Name      string `koanf:"name"`
	Location  string `koanf:"location"`
	Date      string `koanf:"date"`
	FraudType string `koanf:"fraud_type"`
}

type GapConfig struct {
	ThresholdDays int `koanf:"threshold_days"`
	// DistrictOverrides maps "State/District" to a threshold in days.
	DistrictOverrides map[string]int `koanf:"district_overrides"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 100,
				BurstSize:         200,
			},
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			TTL: 24 * time.Hour,
		},
		Events: EventsConfig{
			Transport:      "log",
			Topic:          "prerana.alerts",
			Subject:        "prerana.alerts",
			PublishTimeout: 5 * time.Second,
			DLQSize:        1000,
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			OTLPEndpoint:  "localhost:4317",
			SamplingRate:  1.0,
			ExportTimeout: 30 * time.Second,
			BatchTimeout:  5 * time.Second,
		},
		Engine: EngineConfig{
			BucketSize:         24 * time.Hour,
			BaselineWindows:    30,
			MinBaseline:        7,
			ZThreshold:         3.0,
			ZSentinel:          999,
			ClockSkew:          5 * time.Minute,
			Shards:             16,
			ShardBuffer:        1024,
			Retention:          400,
			QueryPageSize:      500,
			SchedulerInterval:  time.Minute,
			GapRefreshInterval: 15 * time.Minute,
			AllowedLateness:    0,
			RecomputeTimeout:   10 * time.Second,
			VelocitySpikePct:   200,
			FreezeDuration:     72 * time.Hour,
		},
		Gap: GapConfig{
			ThresholdDays: 365,
		},
	}
}

// Load layers defaults, the YAML file at path (DefaultPath when empty) and
// PRERANA_ environment variables, then validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps PRERANA_ENGINE_Z_THRESHOLD to engine.z_threshold. The first
// underscore separates the section; the rest is the field name.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	if rest, ok := strings.CutPrefix(s, "server_rate_limit_"); ok {
		return "server.rate_limit." + rest
	}
	section, field, ok := strings.Cut(s, "_")
	if !ok {
		return s
	}
	switch section {
	case "server", "database", "redis", "events", "telemetry", "engine", "gap":
		return section + "." + field
	}
	return s
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	e := c.Engine
	switch {
	case e.BucketSize <= 0:
		return fmt.Errorf("engine.bucket_size must be positive")
	case e.BaselineWindows <= 0:
		return fmt.Errorf("engine.baseline_windows must be positive")
	case e.MinBaseline < 2 || e.MinBaseline > e.BaselineWindows:
		return fmt.Errorf("engine.min_baseline must be between 2 and baseline_windows")
	case e.ZThreshold <= 0:
		return fmt.Errorf("engine.z_threshold must be positive")
	case e.ZSentinel <= e.ZThreshold:
		return fmt.Errorf("engine.z_sentinel must exceed z_threshold")
	case e.AllowedLateness < 0:
		return fmt.Errorf("engine.allowed_lateness must not be negative")
	case e.VelocitySpikePct <= 0:
		return fmt.Errorf("engine.velocity_spike_pct must be positive")
	case c.Gap.ThresholdDays <= 0:
		return fmt.Errorf("gap.threshold_days must be positive")
	}
	switch c.Events.Transport {
	case "", "none", "log":
	case "kafka":
		if len(c.Events.Brokers) == 0 {
			return fmt.Errorf("events.brokers is required for the kafka transport")
		}
	case "nats":
		if c.Events.NATSURL == "" {
			return fmt.Errorf("events.nats_url is required for the nats transport")
		}
	default:
		return fmt.Errorf("unknown events.transport %q", c.Events.Transport)
	}
	for k, days := range c.Gap.DistrictOverrides {
		if days <= 0 {
			return fmt.Errorf("gap.district_overrides[%s] must be positive", k)
		}
	}
	for i, ev := range e.EventCalendar {
		if ev.Name == "" {
			return fmt.Errorf("engine.event_calendar[%d].name is required", i)
		}
		if _, err := time.Parse(time.DateOnly, ev.Date); err != nil {
			return fmt.Errorf("engine.event_calendar[%d].date must be YYYY-MM-DD: %w", i, err)
		}
		switch cohort.FraudType(ev.FraudType) {
		case cohort.FraudRecruitment, cohort.FraudBenefit, cohort.FraudElectionManipulate:
		default:
			return fmt.Errorf("engine.event_calendar[%d]: unknown fraud_type %q", i, ev.FraudType)
		}
	}
	return nil
}
