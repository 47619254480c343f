// Package config loads Timestore's process configuration: pflag flags for
// process-level knobs, an optional nested YAML file for the richer
// storage/staging/queue/streaming/connectors sections, and environment
// variable overrides layered on top — grounded on
// admin/cmd/admin/main.go's flag-plus-env-override style.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/malbeclabs/timestore/internal/model"
)

// Config is Timestore's full process configuration, spec.md §6's
// "Configuration (recognized options)" made concrete.
type Config struct {
	Verbose    bool   `yaml:"verbose"`
	ListenAddr string `yaml:"listenAddr"`

	Postgres   PostgresConfig   `yaml:"postgres"`
	Storage    StorageConfig    `yaml:"storage"`
	Staging    StagingConfig    `yaml:"staging"`
	Queue      QueueConfig      `yaml:"queue"`
	Streaming  StreamingConfig  `yaml:"streaming"`
	Connectors ConnectorsConfig `yaml:"connectors"`
}

type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslMode"`
}

// StorageConfig mirrors spec.md §6: {driver, root}, plus the per-kind
// connection details the driver registry needs.
type StorageConfig struct {
	Driver string `yaml:"driver"` // default storage target kind for new datasets
	Root   string `yaml:"root"`   // local-file root directory

	ObjectStore ObjectStoreConfig `yaml:"objectStore"`
	ColumnarDB  ColumnarDBConfig  `yaml:"columnarDB"`
}

type ObjectStoreConfig struct {
	Bucket    string `yaml:"bucket"`
	KeyPrefix string `yaml:"keyPrefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
}

type ColumnarDBConfig struct {
	Addr     string `yaml:"addr"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Secure   bool   `yaml:"secure"`
}

// StagingConfig mirrors spec.md §6's staging block.
type StagingConfig struct {
	Directory            string      `yaml:"directory"`
	MaxDatasetBytes      int64       `yaml:"maxDatasetBytes"`
	MaxTotalBytes        int64       `yaml:"maxTotalBytes"`
	MaxPendingPerDataset int         `yaml:"maxPendingPerDataset"`
	Flush                FlushConfig `yaml:"flush"`
}

type FlushConfig struct {
	MaxRows            int64 `yaml:"maxRows"`
	MaxBytes           int64 `yaml:"maxBytes"`
	MaxAgeMs           int64 `yaml:"maxAgeMs"`
	EagerWhenBytesOnly bool  `yaml:"eagerWhenBytesOnly"`
}

// QueueConfig mirrors spec.md §6's queue block.
type QueueConfig struct {
	Mode        string `yaml:"mode"` // inline | distributed
	Name        string `yaml:"name"`
	Concurrency int    `yaml:"concurrency"`
	MaxAttempts int    `yaml:"maxAttempts"`
}

// StreamingConfig mirrors spec.md §6's streaming block.
type StreamingConfig struct {
	Enabled   bool            `yaml:"enabled"`
	BrokerURL string          `yaml:"brokerUrl"`
	Batchers  []BatcherConfig `yaml:"batchers"`
}

type BatcherConfig struct {
	ConnectorID         string            `yaml:"connectorId"`
	Topic               string            `yaml:"topic"`
	GroupID             string            `yaml:"groupId"`
	DatasetSlug         string            `yaml:"datasetSlug"`
	DatasetName         string            `yaml:"datasetName"`
	TableName           string            `yaml:"tableName"`
	Schema              []model.Field     `yaml:"schema"`
	TimeField           string            `yaml:"timeField"`
	WindowSeconds       int               `yaml:"windowSeconds"`
	MaxRowsPerPartition int               `yaml:"maxRowsPerPartition"`
	MaxBatchLatencyMs   int64             `yaml:"maxBatchLatencyMs"`
	PartitionKey        map[string]string `yaml:"partitionKey"`
	PartitionAttributes map[string]string `yaml:"partitionAttributes"`
	StartFromEarliest   bool              `yaml:"startFromEarliest"`
}

// ConnectorsConfig mirrors spec.md §6's connectors block.
type ConnectorsConfig struct {
	Enabled      bool               `yaml:"enabled"`
	Streaming    []FiletailConfig   `yaml:"streaming"`
	Bulk         []BulkloadConfig   `yaml:"bulk"`
	Backpressure BackpressureConfig `yaml:"backpressure"`
}

type FiletailConfig struct {
	ConnectorID    string `yaml:"connectorId"`
	Path           string `yaml:"path"`
	CheckpointPath string `yaml:"checkpointPath"`
	DLQPath        string `yaml:"dlqPath"`
	PollIntervalMs int64  `yaml:"pollIntervalMs"`
	DedupeTTLMs    int64  `yaml:"dedupeTtlMs"`
	StartAtOldest  bool   `yaml:"startAtOldest"`
}

type BulkloadConfig struct {
	ConnectorID      string `yaml:"connectorId"`
	Directory        string `yaml:"directory"`
	Glob             string `yaml:"glob"`
	ChunkSizeDefault int    `yaml:"chunkSizeDefault"`
	PollIntervalMs   int64  `yaml:"pollIntervalMs"`
	DeleteOnSuccess  bool   `yaml:"deleteOnSuccess"`
}

type BackpressureConfig struct {
	HighWatermark int   `yaml:"highWatermark"`
	LowWatermark  int   `yaml:"lowWatermark"`
	MinPauseMs    int64 `yaml:"minPauseMs"`
	MaxPauseMs    int64 `yaml:"maxPauseMs"`
}

// Load parses flags, an optional YAML config file, and .env/environment
// variable overrides, in that precedence order (env wins).
func Load(args []string) (Config, error) {
	_ = godotenv.Load() // best-effort; missing .env is not an error

	fs := flag.NewFlagSet("timestored", flag.ContinueOnError)
	verbose := fs.Bool("verbose", false, "enable verbose (debug) logging")
	listenAddr := fs.String("listen-addr", ":8080", "HTTP listen address")
	configPath := fs.String("config", "", "path to a YAML configuration file")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Config{
		Verbose:    *verbose,
		ListenAddr: *listenAddr,
		Postgres:   PostgresConfig{Host: "localhost", Port: "5432", Database: "timestore", Username: "timestore", SSLMode: "disable"},
		Storage:    StorageConfig{Driver: "local-file", Root: "./data/partitions"},
		Staging:    StagingConfig{Directory: "./data/staging", MaxPendingPerDataset: 100},
		Queue:      QueueConfig{Mode: "inline", Concurrency: 4, MaxAttempts: 5},
	}

	if *configPath != "" {
		body, err := os.ReadFile(*configPath)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file %s: %w", *configPath, err)
		}
		if err := yaml.Unmarshal(body, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file %s: %w", *configPath, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TIMESTORE_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("TIMESTORE_POSTGRES_PORT"); v != "" {
		cfg.Postgres.Port = v
	}
	if v := os.Getenv("TIMESTORE_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("TIMESTORE_POSTGRES_USERNAME"); v != "" {
		cfg.Postgres.Username = v
	}
	if v := os.Getenv("TIMESTORE_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("TIMESTORE_STORAGE_ROOT"); v != "" {
		cfg.Storage.Root = v
	}
	if v := os.Getenv("TIMESTORE_QUEUE_MODE"); v != "" {
		cfg.Queue.Mode = v
	}
	if v := os.Getenv("TIMESTORE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
}

func (b BatcherConfig) MaxBatchLatency() time.Duration {
	return time.Duration(b.MaxBatchLatencyMs) * time.Millisecond
}
