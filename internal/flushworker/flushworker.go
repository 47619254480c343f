// Package flushworker bridges C2/C3 to C6: it periodically checks every
// known dataset's staging summary against the Flush Policy and, once due,
// drains the spool through the Ingestion Processor via the job queue.
package flushworker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/malbeclabs/timestore/internal/flushpolicy"
	"github.com/malbeclabs/timestore/internal/ingest"
	"github.com/malbeclabs/timestore/internal/jobqueue"
	"github.com/malbeclabs/timestore/internal/spool"
)

// DatasetLister supplies the set of dataset slugs with staged data, e.g.
// backed by a directory listing of the spool's root.
type DatasetLister func() ([]string, error)

type Config struct {
	PollInterval     time.Duration
	Thresholds       flushpolicy.Thresholds
	DatasetOverrides map[string]*flushpolicy.Override
}

func (c Config) pollInterval() time.Duration {
	if c.PollInterval <= 0 {
		return 5 * time.Second
	}
	return c.PollInterval
}

// Worker drives the stage -> flush -> ingest pipeline for every dataset
// DatasetLister reports.
type Worker struct {
	log    *slog.Logger
	cfg    Config
	spool  *spool.Manager
	queue  *jobqueue.Queue
	lister DatasetLister

	stop context.CancelFunc
	wg   sync.WaitGroup
}

func New(log *slog.Logger, cfg Config, sp *spool.Manager, queue *jobqueue.Queue, lister DatasetLister) *Worker {
	return &Worker{log: log, cfg: cfg, spool: sp, queue: queue, lister: lister}
}

func (w *Worker) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	w.stop = cancel
	w.wg.Add(1)
	go w.loop(runCtx)
}

func (w *Worker) Stop(timeout time.Duration) {
	if w.stop == nil {
		return
	}
	w.stop()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		w.log.Warn("flushworker: did not stop before timeout")
	}
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.pollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tickAll(ctx)
		}
	}
}

func (w *Worker) tickAll(ctx context.Context) {
	slugs, err := w.lister()
	if err != nil {
		w.log.Error("flushworker: failed to list datasets", "error", err)
		return
	}
	for _, slug := range slugs {
		if err := w.tick(ctx, slug); err != nil {
			w.log.Error("flushworker: flush tick failed", "dataset", slug, "error", err)
		}
	}
}

// tick evaluates the flush policy for one dataset and, if due, drains its
// spool through the job queue.
func (w *Worker) tick(ctx context.Context, slug string) error {
	summary, err := w.spool.GetDatasetSummary(ctx, slug)
	if err != nil {
		return fmt.Errorf("loading summary: %w", err)
	}

	thresholds := flushpolicy.Merge(w.cfg.Thresholds, w.cfg.DatasetOverrides[slug])
	if !flushpolicy.ShouldFlush(flushpolicy.Summary{
		PendingRowCount: summary.PendingRowCount,
		OnDiskBytes:     summary.OnDiskBytes,
		OldestStagedAt:  summary.OldestStagedAt,
	}, thresholds, time.Now()) {
		return nil
	}

	bundle, err := w.spool.PrepareFlush(ctx, slug)
	if err != nil {
		return fmt.Errorf("preparing flush: %w", err)
	}
	if bundle == nil {
		return nil
	}

	for _, batch := range bundle.Batches {
		payload := ingest.JobPayload{
			DatasetSlug:    slug,
			TableName:      batch.TableName,
			Schema:         batch.Schema,
			PartitionKey:   batch.PartitionKey,
			TimeRange:      batch.TimeRange,
			Rows:           batch.Rows,
			IdempotencyKey: bundle.FlushToken + ":" + batch.BatchID,
		}
		if _, err := w.queue.EnqueueIngestionJob(ctx, payload); err != nil {
			_ = w.spool.AbortFlush(ctx, slug, bundle.FlushToken)
			return fmt.Errorf("enqueueing batch %s: %w", batch.BatchID, err)
		}
	}

	return w.spool.FinalizeFlush(ctx, slug, bundle.FlushToken)
}
