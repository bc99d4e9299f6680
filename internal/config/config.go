package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Ledger   LedgerConfig   `yaml:"ledger"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
	Web      WebConfig      `yaml:"web"`
	Oracle   OracleConfig   `yaml:"oracle"`
	Risk     RiskConfig     `yaml:"risk"`
	Follower FollowerConfig `yaml:"follower"`
	Events   EventsConfig   `yaml:"events"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type LedgerConfig struct {
	Owner               string `yaml:"owner"`
	FeeRecipient        string `yaml:"fee_recipient"`
	MaxFeeBps           int64  `yaml:"max_fee_bps"`
	PlatformFeeBps      int64  `yaml:"platform_fee_bps"`
	RequireVerification bool   `yaml:"require_verification"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type WebConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	RequireSignature bool          `yaml:"require_signature"`
	SignatureMaxAge  time.Duration `yaml:"signature_max_age"`
	RateLimit        float64       `yaml:"rate_limit"`
	RateBurst        int           `yaml:"rate_burst"`
}

func (w WebConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

type OracleConfig struct {
	// Source is "pyth" or "bybit".
	Source           string            `yaml:"source"`
	HermesURL        string            `yaml:"hermes_url"`
	BybitURL         string            `yaml:"bybit_url"`
	BybitWSURL       string            `yaml:"bybit_ws_url"`
	Symbols          []string          `yaml:"symbols"`
	Timeout          time.Duration     `yaml:"timeout"`
	MaxStaleness     time.Duration     `yaml:"max_staleness"`
	MaxConfidenceBps int64             `yaml:"max_confidence_bps"`
	PriceIDs         map[string]string `yaml:"price_ids"`
}

type RiskConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

type FollowerConfig struct {
	Enabled      bool     `yaml:"enabled"`
	WSURL        string   `yaml:"ws_url"`
	Traders      []string `yaml:"traders"`
	SymbolSuffix string   `yaml:"symbol_suffix"`
	Leverage     int64    `yaml:"leverage"`
}

type EventsConfig struct {
	Buffer         int           `yaml:"buffer"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	Codec          string        `yaml:"codec"`
	Kafka          KafkaConfig   `yaml:"kafka"`
	NATS           NATSConfig    `yaml:"nats"`
	Redis          RedisConfig   `yaml:"redis"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`
	MaxLen   int64  `yaml:"max_len"`
}

type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
}

// Default is the configuration used for any key the file leaves out.
func Default() *Config {
	return &Config{
		Ledger:   LedgerConfig{MaxFeeBps: 5000},
		Database: DatabaseConfig{Path: "ledger.db"},
		Logging:  LoggingConfig{Level: "info", Format: "json"},
		Web: WebConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			SignatureMaxAge: 5 * time.Minute,
			RateLimit:       20,
			RateBurst:       40,
		},
		Oracle: OracleConfig{
			Source:           "pyth",
			Timeout:          5 * time.Second,
			MaxStaleness:     time.Minute,
			MaxConfidenceBps: 100,
		},
		Risk:     RiskConfig{Enabled: true, Interval: 10 * time.Second},
		Follower: FollowerConfig{SymbolSuffix: "-USD", Leverage: 1},
		Events: EventsConfig{
			Buffer:         1024,
			PublishTimeout: 5 * time.Second,
			Codec:          "json",
			Kafka:          KafkaConfig{Topic: "copy-ledger.events"},
			NATS:           NATSConfig{URL: "nats://127.0.0.1:4222", SubjectPrefix: "ledger.events"},
			Redis:          RedisConfig{Addr: "127.0.0.1:6379", Stream: "ledger:events", MaxLen: 100000},
		},
		Metrics: MetricsConfig{Namespace: "copy_ledger"},
	}
}

// Load reads .env (when present), the YAML file at path (when non-empty),
// applies LEDGER_* environment overrides and validates the result.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		decoder := yaml.NewDecoder(f)
		decoder.KnownFields(true)
		if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("error decoding config file: %w", err)
		}
	}

	if err := overrideFromEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func overrideFromEnv(cfg *Config) error {
	str := map[string]*string{
		"LEDGER_OWNER":          &cfg.Ledger.Owner,
		"LEDGER_FEE_RECIPIENT":  &cfg.Ledger.FeeRecipient,
		"LEDGER_DB_PATH":        &cfg.Database.Path,
		"LEDGER_LOG_LEVEL":      &cfg.Logging.Level,
		"LEDGER_LOG_FORMAT":     &cfg.Logging.Format,
		"LEDGER_HTTP_HOST":      &cfg.Web.Host,
		"LEDGER_HERMES_URL":     &cfg.Oracle.HermesURL,
		"LEDGER_ORACLE_SOURCE":  &cfg.Oracle.Source,
		"LEDGER_HL_WS_URL":      &cfg.Follower.WSURL,
		"LEDGER_EVENT_CODEC":    &cfg.Events.Codec,
		"LEDGER_KAFKA_TOPIC":    &cfg.Events.Kafka.Topic,
		"LEDGER_NATS_URL":       &cfg.Events.NATS.URL,
		"LEDGER_REDIS_ADDR":     &cfg.Events.Redis.Addr,
		"LEDGER_REDIS_PASSWORD": &cfg.Events.Redis.Password,
	}
	for key, dst := range str {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("LEDGER_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LEDGER_HTTP_PORT: %w", err)
		}
		cfg.Web.Port = port
	}
	if v := os.Getenv("LEDGER_KAFKA_BROKERS"); v != "" {
		cfg.Events.Kafka.Brokers = splitList(v)
		cfg.Events.Kafka.Enabled = true
	}
	if v := os.Getenv("LEDGER_FOLLOW_TRADERS"); v != "" {
		cfg.Follower.Traders = splitList(v)
		cfg.Follower.Enabled = true
	}
	if v := os.Getenv("LEDGER_REQUIRE_SIGNATURE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("LEDGER_REQUIRE_SIGNATURE: %w", err)
		}
		cfg.Web.RequireSignature = b
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) Validate() error {
	var errs []error
	if c.Ledger.Owner != "" && !common.IsHexAddress(c.Ledger.Owner) {
		errs = append(errs, fmt.Errorf("ledger.owner %q is not an address", c.Ledger.Owner))
	}
	if c.Ledger.FeeRecipient != "" && !common.IsHexAddress(c.Ledger.FeeRecipient) {
		errs = append(errs, fmt.Errorf("ledger.fee_recipient %q is not an address", c.Ledger.FeeRecipient))
	}
	if c.Ledger.MaxFeeBps < 0 || c.Ledger.MaxFeeBps > 10000 {
		errs = append(errs, fmt.Errorf("ledger.max_fee_bps must be within [0, 10000]"))
	}
	if c.Ledger.PlatformFeeBps < 0 || c.Ledger.PlatformFeeBps > 10000 {
		errs = append(errs, fmt.Errorf("ledger.platform_fee_bps must be within [0, 10000]"))
	}
	if c.Database.Path == "" {
		errs = append(errs, fmt.Errorf("database.path is required"))
	}
	if c.Web.Port <= 0 || c.Web.Port > 65535 {
		errs = append(errs, fmt.Errorf("web.port %d out of range", c.Web.Port))
	}
	if c.Web.RateLimit < 0 || c.Web.RateBurst < 0 {
		errs = append(errs, fmt.Errorf("web rate limit must not be negative"))
	}
	if c.Risk.Enabled && c.Risk.Interval <= 0 {
		errs = append(errs, fmt.Errorf("risk.interval must be positive"))
	}
	if c.Follower.Enabled {
		if len(c.Follower.Traders) == 0 {
			errs = append(errs, fmt.Errorf("follower.traders is empty"))
		}
		for _, t := range c.Follower.Traders {
			if !common.IsHexAddress(t) {
				errs = append(errs, fmt.Errorf("follower trader %q is not an address", t))
			}
		}
	}
	switch c.Oracle.Source {
	case "", "pyth", "bybit":
	default:
		errs = append(errs, fmt.Errorf("oracle.source %q must be pyth or bybit", c.Oracle.Source))
	}
	switch c.Events.Codec {
	case "json", "proto", "protobuf":
	default:
		errs = append(errs, fmt.Errorf("events.codec %q must be json or proto", c.Events.Codec))
	}
	if c.Events.Kafka.Enabled && (len(c.Events.Kafka.Brokers) == 0 || c.Events.Kafka.Topic == "") {
		errs = append(errs, fmt.Errorf("events.kafka needs brokers and a topic"))
	}
	if c.Events.NATS.Enabled && c.Events.NATS.URL == "" {
		errs = append(errs, fmt.Errorf("events.nats.url is required"))
	}
	if c.Events.Redis.Enabled && (c.Events.Redis.Addr == "" || c.Events.Redis.Stream == "") {
		errs = append(errs, fmt.Errorf("events.redis needs addr and stream"))
	}
	return errors.Join(errs...)
}

// FollowedTraders returns the follower trader list as addresses.
func (c *Config) FollowedTraders() []common.Address {
	out := make([]common.Address, 0, len(c.Follower.Traders))
	for _, t := range c.Follower.Traders {
		out = append(out, common.HexToAddress(t))
	}
	return out
}
