// Package heartbeat implements spec.md §6/§9's anonymous hourly update
// check: a best-effort, disabled-by-default ping that reports this
// installation's version and basic shape (database count, CQ count) and
// logs whatever the endpoint returns, never blocking or erroring startup.
// Grounded on the resty client configuration pattern used for outbound HTTP
// calls elsewhere in the corpus (internal/indexer-prototype/ollama_provider.go).
package heartbeat

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const defaultEndpoint = "https://updates.pipelinedb.example/v1/check"

// Info is the anonymous, non-identifying payload sent with each check.
// InstallID is a random v4 UUID generated once per process and never
// persisted; it lets the update endpoint dedupe repeated checks from the
// same running daemon without identifying the installation itself.
type Info struct {
	InstallID    string `json:"install_id"`
	Version      string `json:"version"`
	NumDatabases int    `json:"num_databases"`
	NumCQs       int    `json:"num_cqs"`
}

// Snapshot returns the current Info, called once per tick immediately
// before sending.
type Snapshot func() Info

// Checker runs the periodic anonymous update check.
type Checker struct {
	client    *resty.Client
	endpoint  string
	interval  time.Duration
	installID string
	snapshot  Snapshot
	log       zerolog.Logger
}

// New constructs a disabled-by-default Checker; callers gate Run on
// config.AnonymousUpdateChecks.
func New(version string, endpoint string, interval time.Duration, snapshot Snapshot, log zerolog.Logger) *Checker {
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Checker{
		client:    resty.New().SetTimeout(5 * time.Second),
		endpoint:  endpoint,
		interval:  interval,
		installID: uuid.New().String(),
		snapshot:  snapshot,
		log:       log.With().Str("component", "heartbeat").Logger(),
	}
}

// Run sends one check immediately and then one per interval until ctx is
// canceled. Failures are logged at debug level and never surfaced: a
// blocked or unreachable update endpoint must never affect the daemon.
func (c *Checker) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.checkOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.checkOnce(ctx)
		}
	}
}

func (c *Checker) checkOnce(ctx context.Context) {
	info := c.snapshot()
	info.InstallID = c.installID
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(&info).
		Post(c.endpoint)
	if err != nil {
		c.log.Debug().Err(err).Msg("heartbeat: check failed, ignoring")
		return
	}
	c.log.Debug().Int("status", resp.StatusCode()).Msg("heartbeat: check sent")
}
