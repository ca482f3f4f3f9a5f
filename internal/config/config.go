// Package config parses the process-wide configuration surface of spec.md §6.
package config

import (
	"fmt"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"
)

// StreamInsertLevel is the ack flush level requested by a session, per spec.md §3 "Ack".
type StreamInsertLevel string

const (
	LevelAsync         StreamInsertLevel = "async"
	LevelSyncReceive   StreamInsertLevel = "sync_receive"
	LevelSyncCommit    StreamInsertLevel = "sync_commit"
	defaultSleepTTLSec                  = 2
)

// Config holds every process-wide setting of spec.md §6's configuration table.
// Environment variables are parsed with the PIPELINEDB_ prefix.
type Config struct {
	// Per-DB process counts (§2, §4.7).
	NumWorkers   int `envconfig:"NUM_WORKERS" default:"4"`
	NumCombiners int `envconfig:"NUM_COMBINERS" default:"4"`
	NumQueues    int `envconfig:"NUM_QUEUES" default:"1"`
	NumReapers   int `envconfig:"NUM_REAPERS" default:"1"`

	// ContinuousQueriesEnabled controls whether new CQs are created active.
	ContinuousQueriesEnabled bool `envconfig:"CONTINUOUS_QUERIES_ENABLED" default:"true"`

	// StreamInsertLevel is the session default ack level for inserts.
	StreamInsertLevel StreamInsertLevel `envconfig:"STREAM_INSERT_LEVEL" default:"async"`

	// Per-outbound-batch caps (§3 "Micro-batch").
	BatchMemKiB int `envconfig:"BATCH_MEM" default:"256"`
	BatchSize   int `envconfig:"BATCH_SIZE" default:"10000"`

	// Combiner flush cadence / worker batch-collection cap (§4.3, §4.4.5).
	CommitIntervalMS int `envconfig:"COMMIT_INTERVAL" default:"50"`
	MaxWaitMS        int `envconfig:"MAX_WAIT" default:"250"`

	// Mailbox high-water mark (§4.1).
	IPCHighWaterMark int `envconfig:"IPC_HWM" default:"1000"`

	// Queue pending-frame memory ceiling, KiB (§4.2).
	QueueMemKiB int `envconfig:"QUEUE_MEM" default:"262144"`

	// Reaper batch size and rerun fraction (§4.5).
	TTLExpirationBatchSize  int `envconfig:"TTL_EXPIRATION_BATCH_SIZE" default:"10000"`
	TTLExpirationThresholdP int `envconfig:"TTL_EXPIRATION_THRESHOLD" default:"5"`

	// Default matrel fillfactor percent (§3 "Matrel").
	FillFactor int `envconfig:"FILLFACTOR" default:"50"`

	// Max SW step-group cache per combiner, KiB (§4.4.4).
	CombinerWorkMemKiB int `envconfig:"COMBINER_WORK_MEM" default:"65536"`

	// Allow direct writes to matrels; off by default.
	MatrelsWritable bool `envconfig:"MATRELS_WRITABLE" default:"false"`

	// Enable the hourly anonymous version heartbeat (§6, §9).
	AnonymousUpdateChecks bool `envconfig:"ANONYMOUS_UPDATE_CHECKS" default:"false"`

	// DBDriver selects the catalog/matrel backend: postgres (production) or
	// sqlite (dev/demo mode, no server required). [ADDED in SPEC_FULL.md §11]
	DBDriver string `envconfig:"DB_DRIVER" default:"postgres"`

	// PostgresDSN is required when DBDriver=postgres.
	PostgresDSN string `envconfig:"POSTGRES_DSN" default:""`

	// SQLitePath is the on-disk catalog file when DBDriver=sqlite.
	SQLitePath string `envconfig:"SQLITE_PATH" default:"pipelinedb.sqlite"`

	// HTTPPort serves the observability views of §6.
	HTTPPort int `envconfig:"HTTP_PORT" default:"8080"`

	// Databases lists the names this installation's scheduler owns (§4.7).
	// Comma-separated; a real deployment would instead rescan pg_database.
	Databases string `envconfig:"DATABASES" default:"postgres"`

	// HostBgworkerSlots bounds the scheduler capacity check (§4.7).
	HostBgworkerSlots int `envconfig:"HOST_BGWORKER_SLOTS" default:"64"`
}

// DatabaseList splits Databases on commas, trimming whitespace.
func (c *Config) DatabaseList() []string {
	parts := strings.Split(c.Databases, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ProcessesPerDB returns N_workers + N_combiners + N_queues + N_reapers.
func (c *Config) ProcessesPerDB() int {
	return c.NumWorkers + c.NumCombiners + c.NumQueues + c.NumReapers
}

// ValidateCapacity implements the scheduler startup check of spec.md §4.7:
// N_databases * (N_workers + N_combiners + N_queues + N_reapers) + 2 <= host_bgworker_slots.
func (c *Config) ValidateCapacity(numDatabases int) error {
	needed := numDatabases*c.ProcessesPerDB() + 2
	if needed > c.HostBgworkerSlots {
		return fmt.Errorf("capacity check failed: need %d bgworker slots, have %d", needed, c.HostBgworkerSlots)
	}
	return nil
}

// ResolveDefaults validates DBDriver and the stream insert level.
func (c *Config) ResolveDefaults() error {
	if c.DBDriver == "" || c.DBDriver == "auto" {
		c.DBDriver = "postgres"
	}
	allowedDB := map[string]bool{"postgres": true, "sqlite": true}
	if !allowedDB[c.DBDriver] {
		return fmt.Errorf("unsupported DB_DRIVER: %s", c.DBDriver)
	}
	if c.DBDriver == "postgres" && c.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required when DB_DRIVER=postgres")
	}

	switch c.StreamInsertLevel {
	case LevelAsync, LevelSyncReceive, LevelSyncCommit:
	case "":
		c.StreamInsertLevel = LevelAsync
	default:
		return fmt.Errorf("unsupported STREAM_INSERT_LEVEL: %s", c.StreamInsertLevel)
	}
	return nil
}

// New parses environment variables prefixed with PIPELINEDB_.
func New() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("PIPELINEDB", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}
	if err := cfg.ResolveDefaults(); err != nil {
		return nil, err
	}

	log.Info().
		Int("num_workers", cfg.NumWorkers).
		Int("num_combiners", cfg.NumCombiners).
		Int("num_queues", cfg.NumQueues).
		Int("num_reapers", cfg.NumReapers).
		Str("db_driver", cfg.DBDriver).
		Str("stream_insert_level", string(cfg.StreamInsertLevel)).
		Int("http_port", cfg.HTTPPort).
		Msg("configuration loaded")

	return &cfg, nil
}

// NewForTesting returns a Config with sqlite defaults suitable for unit tests.
func NewForTesting() *Config {
	cfg := &Config{
		NumWorkers:              2,
		NumCombiners:            2,
		NumQueues:               1,
		NumReapers:              1,
		ContinuousQueriesEnabled: true,
		StreamInsertLevel:       LevelAsync,
		BatchMemKiB:             256,
		BatchSize:               10000,
		CommitIntervalMS:        50,
		MaxWaitMS:               250,
		IPCHighWaterMark:        1000,
		QueueMemKiB:             262144,
		TTLExpirationBatchSize:  10000,
		TTLExpirationThresholdP: 5,
		FillFactor:              50,
		CombinerWorkMemKiB:      65536,
		DBDriver:                "sqlite",
		SQLitePath:              ":memory:",
		HTTPPort:                8080,
		Databases:               "test",
		HostBgworkerSlots:       64,
	}
	return cfg
}

// DefaultTTLReaperSleepSeconds is the reaper's idle sleep when no TTL CQs
// exist, per original_source/src/reaper.c DEFAULT_SLEEP_S.
const DefaultTTLReaperSleepSeconds = defaultSleepTTLSec
