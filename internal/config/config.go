package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type SchemaMode string

const (
	SchemaStrict     SchemaMode = "strict"     // unknown fields preserved but never registered
	SchemaPermissive SchemaMode = "permissive" // unknown fields registered as optional columns
)

type KafkaConfig struct {
	Brokers     []string      `koanf:"brokers"`
	Topic       string        `koanf:"topic"`
	GroupID     string        `koanf:"group_id"`
	StartFrom   string        `koanf:"start_from"` // oldest|newest (default oldest)
	Version     string        `koanf:"version"`
	TLSEn       bool          `koanf:"tls_enabled"`
	SASLUser    string        `koanf:"sasl_user"`
	SASLPass    string        `koanf:"sasl_pass"`
	ReadTimeout time.Duration `koanf:"read_timeout"` // broker response wait
	MaxWait     time.Duration `koanf:"max_wait"`     // fetch long-poll bound
}

type StorageConfig struct {
	Backend string `koanf:"backend"` // local|s3
	Bucket  string `koanf:"bucket"`  // s3 bucket name
	Prefix  string `koanf:"prefix"`  // object key prefix inside the bucket
	Region  string `koanf:"region"`
}

type BatchConfig struct {
	MaxRecords int           `koanf:"max_records"`
	MaxAge     time.Duration `koanf:"max_age"`
}

type CommitConfig struct {
	RetryMax       int           `koanf:"retry_max"`
	BackoffInitial time.Duration `koanf:"backoff_initial"`
	BackoffMax     time.Duration `koanf:"backoff_max"`
	Timeout        time.Duration `koanf:"timeout"`
}

type SchemaConfig struct {
	Mode     SchemaMode `koanf:"mode"`
	SeedFile string     `koanf:"seed_file"`
}

type DeadLetterConfig struct {
	Dir string `koanf:"dir"`
}

type Config struct {
	DataDir     string           `koanf:"data_dir"`
	MetricsPort int              `koanf:"metrics_port"`
	Kafka       KafkaConfig      `koanf:"kafka"`
	Storage     StorageConfig    `koanf:"storage"`
	Batch       BatchConfig      `koanf:"batch"`
	Commit      CommitConfig     `koanf:"commit"`
	Schema      SchemaConfig     `koanf:"schema"`
	DeadLetter  DeadLetterConfig `koanf:"deadletter"`
}

// Load merges YAML (if present) with env-vars
// (prefix `SILT__`, delimiter `__`).
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	}
	sv := k.String("schema_version")
	if sv != "" && sv != "v1" {
		return Config{}, fmt.Errorf("config schema_version %q not supported (want v1)", sv)
	}

	_ = k.Load(env.Provider("SILT__", "__", nil), nil)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	return cfg, cfg.validate()
}

func applyDefaults(c *Config) {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.MetricsPort == 0 {
		c.MetricsPort = 9100
	}
	if len(c.Kafka.Brokers) == 0 {
		c.Kafka.Brokers = []string{"localhost:9092"}
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "ecommerce_events"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "silt-ingest"
	}
	if c.Kafka.StartFrom == "" {
		c.Kafka.StartFrom = "oldest"
	}
	if c.Kafka.Version == "" {
		c.Kafka.Version = "3.6.0"
	}
	if c.Kafka.ReadTimeout == 0 {
		c.Kafka.ReadTimeout = 30 * time.Second
	}
	if c.Kafka.MaxWait == 0 {
		c.Kafka.MaxWait = 500 * time.Millisecond
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "local"
	}
	if c.Batch.MaxRecords == 0 {
		c.Batch.MaxRecords = 500
	}
	if c.Batch.MaxAge == 0 {
		c.Batch.MaxAge = 30 * time.Second
	}
	if c.Commit.RetryMax == 0 {
		c.Commit.RetryMax = 8
	}
	if c.Commit.BackoffInitial == 0 {
		c.Commit.BackoffInitial = 250 * time.Millisecond
	}
	if c.Commit.BackoffMax == 0 {
		c.Commit.BackoffMax = 30 * time.Second
	}
	if c.Commit.Timeout == 0 {
		c.Commit.Timeout = 60 * time.Second
	}
	if c.Schema.Mode == "" {
		c.Schema.Mode = SchemaPermissive
	}
	if c.DeadLetter.Dir == "" {
		c.DeadLetter.Dir = c.DataDir + "/deadletter"
	}
}

func (c *Config) validate() error {
	switch c.Schema.Mode {
	case SchemaStrict, SchemaPermissive:
	default:
		return fmt.Errorf("schema mode %q not supported (want strict or permissive)", c.Schema.Mode)
	}
	switch c.Storage.Backend {
	case "local", "s3":
	default:
		return fmt.Errorf("storage backend %q not supported (want local or s3)", c.Storage.Backend)
	}
	if c.Storage.Backend == "s3" && c.Storage.Bucket == "" {
		return errors.New("storage backend s3 requires a bucket")
	}
	switch c.Kafka.StartFrom {
	case "oldest", "newest":
	default:
		return fmt.Errorf("kafka start_from %q not supported (want oldest or newest)", c.Kafka.StartFrom)
	}
	return nil
}
