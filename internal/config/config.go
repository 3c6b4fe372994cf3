// Package config assembles runtime configuration from environment variables,
// optionally overridden by a YAML file pointed at by CONFIG_FILE.
package config

import (
	"fmt"
	"log"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/obsrvr-queue-loader/internal/audit"
	"github.com/withObsrvr/obsrvr-queue-loader/internal/coord"
	"github.com/withObsrvr/obsrvr-queue-loader/internal/logging"
	"github.com/withObsrvr/obsrvr-queue-loader/internal/metrics"
	"github.com/withObsrvr/obsrvr-queue-loader/internal/objstore"
	"github.com/withObsrvr/obsrvr-queue-loader/internal/queue"
	"github.com/withObsrvr/obsrvr-queue-loader/internal/sink"
	"github.com/withObsrvr/obsrvr-queue-loader/internal/watcher"
)

type Config struct {
	Logging logging.Config  `yaml:"logging"`
	Store   objstore.Config `yaml:"store"`
	Coord   coord.Config    `yaml:"coordination"`
	Audit   audit.Config    `yaml:"audit"`
	Metrics metrics.Config  `yaml:"metrics"`
	Sink    sink.Config     `yaml:"sink"`
	Watch   watcher.Config  `yaml:"watch"`
	Queue   QueueConfig     `yaml:"queue"`

	Commit queue.CommitSettings `yaml:"commit"`
}

type QueueConfig struct {
	// Processors is the number of concurrent processing lanes.
	Processors int `env:"QUEUE_PROCESSORS" envDefault:"1" yaml:"processors"`

	// Buckets > 1 enables ordered per-bucket processing. With 1 bucket the
	// queue runs unordered and files are claimed individually.
	Buckets uint64 `env:"QUEUE_BUCKETS" envDefault:"1" yaml:"buckets"`

	// Format of queued files: "jsonl" or "csv".
	Format string `env:"QUEUE_FORMAT" envDefault:"jsonl" yaml:"format"`

	MaxBatchRows          int  `env:"QUEUE_MAX_BATCH_ROWS" envDefault:"65536" yaml:"max_batch_rows"`
	MaxOpenRetries        int  `env:"QUEUE_MAX_OPEN_RETRIES" envDefault:"3" yaml:"max_open_retries"`
	DeleteAfterProcessing bool `env:"QUEUE_DELETE_AFTER_PROCESSING" yaml:"delete_after_processing"`
}

// Load parses the environment and then overlays CONFIG_FILE if present. The
// file wins over environment values, matching how deployments pin settings.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// MustLoad exits on invalid configuration. Used from main.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	return cfg
}

func (c Config) validate() error {
	if c.Queue.Processors < 1 {
		return fmt.Errorf("queue processors must be >= 1, got %d", c.Queue.Processors)
	}
	if c.Queue.Buckets < 1 {
		return fmt.Errorf("queue buckets must be >= 1, got %d", c.Queue.Buckets)
	}
	if c.Queue.Buckets > 1 && uint64(c.Queue.Processors) > c.Queue.Buckets {
		return fmt.Errorf("processors (%d) cannot exceed buckets (%d) in ordered mode",
			c.Queue.Processors, c.Queue.Buckets)
	}
	switch c.Queue.Format {
	case "jsonl", "csv":
	default:
		return fmt.Errorf("unknown queue format %q", c.Queue.Format)
	}
	if c.Queue.MaxBatchRows < 1 {
		return fmt.Errorf("max batch rows must be >= 1, got %d", c.Queue.MaxBatchRows)
	}
	return nil
}
