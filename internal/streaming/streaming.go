// Package streaming implements C9, the Streaming Micro-Batcher: one
// goroutine per connector that windows incoming records into per-chunk
// buffers and flushes them through the Ingestion Processor on a row-count
// or latency threshold, exactly as spec.md §4.9 describes.
package streaming

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/timestore/internal/events"
	"github.com/malbeclabs/timestore/internal/ingest"
	"github.com/malbeclabs/timestore/internal/manifeststore"
	"github.com/malbeclabs/timestore/internal/metrics"
	"github.com/malbeclabs/timestore/internal/model"
	"github.com/malbeclabs/timestore/internal/tserrors"
)

// Config mirrors spec.md §4.9's StreamingBatcherConfig.
type Config struct {
	ConnectorID         string
	Topic               string
	GroupID             string
	DatasetSlug         string
	DatasetName         string
	TableName           string
	Schema              model.Schema
	TimeField           string
	WindowSeconds       int
	MaxRowsPerPartition int
	MaxBatchLatencyMs   int64
	PartitionKey        map[string]string
	PartitionAttributes map[string]string
	StartFromEarliest   bool
	RetryDelayMs        int64
	SweepInterval       time.Duration
}

func (c Config) retryDelay() time.Duration {
	if c.RetryDelayMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

func (c Config) sweepInterval() time.Duration {
	if c.SweepInterval > 0 {
		return c.SweepInterval
	}
	return time.Second
}

// processor is the subset of *ingest.Processor a batcher depends on.
type processor interface {
	Process(ctx context.Context, payload ingest.JobPayload) (ingest.Result, error)
}

type chunkState int

const (
	chunkOpen chunkState = iota
	chunkFlushing
	chunkRetryPending
	chunkDone
)

type chunk struct {
	index       int
	rows        []map[string]any
	createdAt   time.Time
	state       chunkState
	retryAt     time.Time
	flushReason string
}

type window struct {
	start            time.Time
	end              time.Time
	nextChunkIndex   int
	activeChunkIndex int // -1 when no chunk is currently accepting rows
	chunks           map[int]*chunk
}

func (w *window) empty() bool {
	return w.activeChunkIndex < 0 && len(w.chunks) == 0
}

// Batcher is C9 for a single connector.
type Batcher struct {
	log       *slog.Logger
	cfg       Config
	clock     clockwork.Clock
	processor processor
	store     *manifeststore.Store
	bus       events.Bus

	mu      sync.Mutex
	windows map[string]*window

	stop context.CancelFunc
	wg   sync.WaitGroup
}

func New(log *slog.Logger, cfg Config, processor *ingest.Processor, store *manifeststore.Store, bus events.Bus, clock clockwork.Clock) *Batcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Batcher{
		log:       log,
		cfg:       cfg,
		clock:     clock,
		processor: processor,
		store:     store,
		bus:       bus,
		windows:   make(map[string]*window),
	}
}

// Start launches the background latency sweep. Ingest may be called
// concurrently from the connector's read loop before or after Start.
func (b *Batcher) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	b.stop = cancel
	b.wg.Add(1)
	go b.sweepLoop(runCtx)
}

// Stop cancels the sweep loop and flushes every non-empty buffer, per
// spec.md §4.9's FlushAll("shutdown") on exit.
func (b *Batcher) Stop(ctx context.Context) {
	if b.stop != nil {
		b.stop()
	}
	b.wg.Wait()
	b.FlushAll(ctx, "shutdown")
}

func (b *Batcher) sweepLoop(ctx context.Context) {
	defer b.wg.Done()
	ticker := b.clock.NewTicker(b.cfg.sweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			b.sweep(ctx)
		}
	}
}

// sweep seals open chunks that have exceeded maxBatchLatencyMs and
// re-flushes chunks whose retry delay has elapsed.
func (b *Batcher) sweep(ctx context.Context) {
	now := b.clock.Now()
	type due struct {
		windowKey string
		w         *window
		c         *chunk
		reason    string
	}
	var ready []due

	b.mu.Lock()
	for key, w := range b.windows {
		for _, c := range w.chunks {
			switch c.state {
			case chunkOpen:
				if now.Sub(c.createdAt) >= time.Duration(b.cfg.MaxBatchLatencyMs)*time.Millisecond {
					c.state = chunkFlushing
					c.flushReason = "latency"
					if w.activeChunkIndex == c.index {
						w.activeChunkIndex = -1
					}
					ready = append(ready, due{key, w, c, "latency"})
				}
			case chunkRetryPending:
				if !now.Before(c.retryAt) {
					c.state = chunkFlushing
					ready = append(ready, due{key, w, c, c.flushReason})
				}
			}
		}
	}
	b.mu.Unlock()

	for _, d := range ready {
		b.flush(ctx, d.windowKey, d.w, d.c, d.reason)
	}
}

// Ingest routes one decoded record into its window+chunk buffer, sealing
// and flushing synchronously when the row-count threshold is reached.
func (b *Batcher) Ingest(ctx context.Context, record map[string]any) error {
	ts, err := recordTime(record, b.cfg.TimeField)
	if err != nil {
		return tserrors.Validation("streaming record missing/invalid timeField %q: %v", b.cfg.TimeField, err)
	}
	windowStart := floorToWindow(ts, b.cfg.WindowSeconds)
	windowEnd := windowStart.Add(time.Duration(b.cfg.WindowSeconds) * time.Second)
	key := windowStart.UTC().Format(time.RFC3339)

	var flushNow *chunk
	var flushWindow *window

	b.mu.Lock()
	w, ok := b.windows[key]
	if !ok {
		w = &window{start: windowStart, end: windowEnd, activeChunkIndex: -1, chunks: make(map[int]*chunk)}
		b.windows[key] = w
	}
	if w.activeChunkIndex < 0 {
		c := &chunk{index: w.nextChunkIndex, createdAt: b.clock.Now(), state: chunkOpen}
		w.chunks[c.index] = c
		w.activeChunkIndex = c.index
		w.nextChunkIndex++
	}
	active := w.chunks[w.activeChunkIndex]
	active.rows = append(active.rows, record)

	if len(active.rows) >= b.cfg.MaxRowsPerPartition {
		active.state = chunkFlushing
		active.flushReason = "row_count"
		w.activeChunkIndex = -1
		flushNow = active
		flushWindow = w
	}
	b.mu.Unlock()

	if flushNow != nil {
		b.flush(ctx, key, flushWindow, flushNow, "row_count")
	}
	return nil
}

// FlushAll seals and flushes every non-empty buffer regardless of
// threshold, used on shutdown.
func (b *Batcher) FlushAll(ctx context.Context, reason string) {
	type due struct {
		windowKey string
		w         *window
		c         *chunk
	}
	var ready []due

	b.mu.Lock()
	for key, w := range b.windows {
		if w.activeChunkIndex >= 0 {
			c := w.chunks[w.activeChunkIndex]
			if len(c.rows) > 0 {
				c.state = chunkFlushing
				c.flushReason = reason
				w.activeChunkIndex = -1
				ready = append(ready, due{key, w, c})
			}
		}
		for _, c := range w.chunks {
			if c.state == chunkOpen || c.state == chunkRetryPending {
				c.state = chunkFlushing
				c.flushReason = reason
				ready = append(ready, due{key, w, c})
			}
		}
	}
	b.mu.Unlock()

	for _, d := range ready {
		b.flush(ctx, d.windowKey, d.w, d.c, reason)
	}
}

// flush synthesizes an ingestion job payload for c, runs it through the
// processor, and either retires the chunk or schedules a retry.
func (b *Batcher) flush(ctx context.Context, windowKey string, w *window, c *chunk, reason string) {
	sort.Slice(c.rows, func(i, j int) bool {
		ti, _ := recordTime(c.rows[i], b.cfg.TimeField)
		tj, _ := recordTime(c.rows[j], b.cfg.TimeField)
		return ti.Before(tj)
	})

	windowStartISO := w.start.UTC().Format(time.RFC3339)
	partitionKey := mergeStrings(b.cfg.PartitionKey, map[string]string{
		"window": windowStartISO,
		"chunk":  strconv.Itoa(c.index),
	})
	partitionAttrs := mergeStrings(b.cfg.PartitionAttributes, map[string]string{
		"window_end":   w.end.UTC().Format(time.RFC3339),
		"chunk":        strconv.Itoa(c.index),
		"flush_reason": reason,
	})

	payload := ingest.JobPayload{
		DatasetSlug:         b.cfg.DatasetSlug,
		DatasetName:         b.cfg.DatasetName,
		TableName:           b.cfg.TableName,
		Schema:              b.cfg.Schema,
		PartitionKey:        partitionKey,
		PartitionAttributes: partitionAttrs,
		TimeRange:           model.TimeRange{Start: w.start, End: w.end},
		Rows:                c.rows,
		IdempotencyKey:      fmt.Sprintf("%s:%s:%d", b.cfg.ConnectorID, windowStartISO, c.index),
	}

	metrics.StreamingBuffersSealedTotal.WithLabelValues(b.cfg.ConnectorID, reason).Inc()

	result, err := b.processor.Process(ctx, payload)
	if err != nil {
		if tserrors.Retryable(err) {
			b.log.Warn("streaming: transient flush failure, retrying", "connector", b.cfg.ConnectorID, "window", windowKey, "chunk", c.index, "error", err)
			b.mu.Lock()
			c.state = chunkRetryPending
			c.retryAt = b.clock.Now().Add(b.cfg.retryDelay())
			b.mu.Unlock()
			return
		}
		b.log.Error("streaming: dropping chunk after non-retryable flush error", "connector", b.cfg.ConnectorID, "window", windowKey, "chunk", c.index, "error", err)
		b.retireChunk(windowKey, w, c)
		return
	}

	b.retireChunk(windowKey, w, c)
	b.recordWatermark(ctx, result, w, len(payload.Rows))
}

func (b *Batcher) retireChunk(windowKey string, w *window, c *chunk) {
	b.mu.Lock()
	c.state = chunkDone
	delete(w.chunks, c.index)
	if w.empty() {
		delete(b.windows, windowKey)
	}
	b.mu.Unlock()
}

func (b *Batcher) recordWatermark(ctx context.Context, result ingest.Result, w *window, rowCount int) {
	now := b.clock.Now()
	lag := now.Sub(w.end)
	if lag < 0 {
		lag = 0
	}

	wm := model.StreamingWatermark{
		ConnectorID:      b.cfg.ConnectorID,
		DatasetID:        result.Manifest.DatasetID,
		DatasetSlug:      b.cfg.DatasetSlug,
		SealedThrough:    w.end,
		BacklogLagMs:     lag.Milliseconds(),
		RecordsProcessed: int64(rowCount),
	}
	if err := b.store.UpsertStreamingWatermark(ctx, wm); err != nil {
		b.log.Error("streaming: failed to persist watermark", "connector", b.cfg.ConnectorID, "error", err)
	}
	metrics.StreamingWatermarkLagMs.WithLabelValues(b.cfg.ConnectorID, b.cfg.DatasetSlug).Set(float64(wm.BacklogLagMs))

	if b.bus != nil {
		_ = b.bus.Publish(ctx, events.TopicStreamingWatermarkUpdated, events.WatermarkUpdated{
			ConnectorID:      wm.ConnectorID,
			DatasetID:        wm.DatasetID,
			DatasetSlug:      wm.DatasetSlug,
			SealedThrough:    wm.SealedThrough.UTC().Format(time.RFC3339),
			BacklogLagMs:     wm.BacklogLagMs,
			RecordsProcessed: wm.RecordsProcessed,
		})
	}
}

func floorToWindow(t time.Time, windowSeconds int) time.Time {
	if windowSeconds <= 0 {
		windowSeconds = 1
	}
	unix := t.UTC().Unix()
	floored := unix - unix%int64(windowSeconds)
	return time.Unix(floored, 0).UTC()
}

func recordTime(record map[string]any, field string) (time.Time, error) {
	v, ok := record[field]
	if !ok {
		return time.Time{}, fmt.Errorf("field %q not present", field)
	}
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		return time.Parse(time.RFC3339, t)
	default:
		return time.Time{}, fmt.Errorf("field %q has unsupported type %T", field, v)
	}
}

func mergeStrings(base, extra map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
