// Package bulkload implements the directory bulk-loader half of C10: it
// watches a directory for files matching a glob, splits each into
// chunkSize-row ingestion jobs, and retires the file once every chunk has
// been accepted.
package bulkload

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/malbeclabs/timestore/internal/connectors/backpressure"
	"github.com/malbeclabs/timestore/internal/ingest"
	"github.com/malbeclabs/timestore/internal/jobqueue"
	"github.com/malbeclabs/timestore/internal/tserrors"
)

// Enqueuer is the subset of *jobqueue.Queue a connector depends on.
type Enqueuer interface {
	EnqueueIngestionJob(ctx context.Context, payload ingest.JobPayload) (jobqueue.EnqueueResult, error)
}

// Config mirrors spec.md §4.10's bulk loader options.
type Config struct {
	ConnectorID      string
	Directory        string
	Glob             string
	ChunkSizeDefault int
	PollInterval     time.Duration
	DeleteOnSuccess  bool // false renames the file with ProcessedSuffix instead
	ProcessedSuffix  string
}

func (c Config) glob() string {
	if c.Glob == "" {
		return "*.json"
	}
	return c.Glob
}

func (c Config) pollInterval() time.Duration {
	if c.PollInterval <= 0 {
		return 2 * time.Second
	}
	return c.PollInterval
}

func (c Config) processedSuffix() string {
	if c.ProcessedSuffix == "" {
		return ".done"
	}
	return c.ProcessedSuffix
}

// bulkFile is spec.md §6's bulk file shape.
type bulkFile struct {
	Ingestion       ingest.Request   `json:"ingestion"`
	Rows            []map[string]any `json:"rows"`
	ChunkSize       int              `json:"chunkSize"`
	IdempotencyBase string           `json:"idempotencyBase"`
}

// Connector polls Config.Directory for unprocessed bulk files.
type Connector struct {
	log      *slog.Logger
	cfg      Config
	enqueuer Enqueuer
	bp       *backpressure.Controller
	depth    backpressure.DepthFunc

	stop context.CancelFunc
	done chan struct{}
}

func New(log *slog.Logger, cfg Config, enqueuer Enqueuer, bp *backpressure.Controller, depth backpressure.DepthFunc) *Connector {
	return &Connector{log: log, cfg: cfg, enqueuer: enqueuer, bp: bp, depth: depth}
}

func (c *Connector) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.stop = cancel
	c.done = make(chan struct{})
	go c.pollLoop(runCtx)
}

func (c *Connector) Stop(timeout time.Duration) {
	if c.stop == nil {
		return
	}
	c.stop()
	select {
	case <-c.done:
	case <-time.After(timeout):
		c.log.Warn("bulkload: poll loop did not stop before timeout", "connector", c.cfg.ConnectorID)
	}
}

func (c *Connector) pollLoop(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.cfg.pollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pollOnce(ctx)
		}
	}
}

func (c *Connector) pollOnce(ctx context.Context) {
	matches, err := filepath.Glob(filepath.Join(c.cfg.Directory, c.cfg.glob()))
	if err != nil {
		c.log.Error("bulkload: glob failed", "connector", c.cfg.ConnectorID, "error", err)
		return
	}

	for _, path := range matches {
		if err := c.processFile(ctx, path); err != nil {
			c.log.Error("bulkload: failed to process file", "connector", c.cfg.ConnectorID, "path", path, "error", err)
		}
	}
}

func (c *Connector) processFile(ctx context.Context, path string) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var file bulkFile
	if err := json.Unmarshal(body, &file); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}

	base, err := file.Ingestion.ToJobPayload()
	if err != nil {
		return fmt.Errorf("converting ingestion request in %s: %w", path, err)
	}

	chunkSize := file.ChunkSize
	if chunkSize <= 0 {
		chunkSize = c.cfg.ChunkSizeDefault
	}
	if chunkSize <= 0 {
		chunkSize = len(file.Rows)
	}
	if chunkSize <= 0 {
		chunkSize = 1
	}

	chunks := chunkRows(file.Rows, chunkSize)
	for i, rows := range chunks {
		payload := base
		payload.Rows = rows
		payload.IdempotencyKey = fmt.Sprintf("%s:%d", file.IdempotencyBase, i)

		if c.depth != nil && c.bp != nil {
			if err := c.bp.Wait(ctx, c.depth); err != nil {
				return err
			}
		}

		if err := c.enqueueWithRetry(ctx, payload); err != nil {
			return fmt.Errorf("enqueueing chunk %d of %s: %w", i, path, err)
		}
	}

	return c.retireFile(path)
}

func (c *Connector) enqueueWithRetry(ctx context.Context, payload ingest.JobPayload) error {
	for attempt := 1; attempt <= 3; attempt++ {
		_, err := c.enqueuer.EnqueueIngestionJob(ctx, payload)
		if err == nil {
			return nil
		}
		if !tserrors.Retryable(err) {
			return err
		}
		time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
	}
	return fmt.Errorf("exhausted retries for idempotency key %q", payload.IdempotencyKey)
}

func (c *Connector) retireFile(path string) error {
	if c.cfg.DeleteOnSuccess {
		return os.Remove(path)
	}
	return os.Rename(path, path+c.cfg.processedSuffix())
}

func chunkRows(rows []map[string]any, chunkSize int) [][]map[string]any {
	if len(rows) == 0 {
		return [][]map[string]any{{}}
	}
	var chunks [][]map[string]any
	for i := 0; i < len(rows); i += chunkSize {
		end := i + chunkSize
		if end > len(rows) {
			end = len(rows)
		}
		chunks = append(chunks, rows[i:end])
	}
	return chunks
}
