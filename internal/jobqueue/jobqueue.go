// Package jobqueue implements C8, the Ingestion Queue & Worker: in inline
// mode it runs the Ingestion Processor synchronously; in distributed mode it
// persists jobs to Postgres and polls them with bounded worker concurrency,
// grounded on the teacher's errgroup-limited refresh loop in
// api/handlers/status_cache.go.
package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/timestore/internal/ingest"
	"github.com/malbeclabs/timestore/internal/metrics"
	"github.com/malbeclabs/timestore/internal/tserrors"
)

// Mode selects how EnqueueIngestionJob behaves.
type Mode string

const (
	ModeInline      Mode = "inline"
	ModeDistributed Mode = "distributed"
)

// EnqueueResult is what EnqueueIngestionJob returns: in inline mode Result
// is populated immediately; in distributed mode only JobID is meaningful
// and the caller must poll or await an event for the outcome.
type EnqueueResult struct {
	JobID  string
	Result *ingest.Result
}

// Queue is C8. Construct with NewInline or NewDistributed.
type Queue struct {
	log         *slog.Logger
	mode        Mode
	processor   *ingest.Processor
	pool        *pgxpool.Pool
	concurrency int
	maxAttempts int
	pollEvery   time.Duration

	stop context.CancelFunc
	wg   sync.WaitGroup
}

func NewInline(log *slog.Logger, processor *ingest.Processor) *Queue {
	return &Queue{log: log, mode: ModeInline, processor: processor}
}

func NewDistributed(log *slog.Logger, processor *ingest.Processor, pool *pgxpool.Pool, concurrency, maxAttempts int, pollEvery time.Duration) *Queue {
	if concurrency <= 0 {
		concurrency = 1
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if pollEvery <= 0 {
		pollEvery = 500 * time.Millisecond
	}
	return &Queue{
		log:         log,
		mode:        ModeDistributed,
		processor:   processor,
		pool:        pool,
		concurrency: concurrency,
		maxAttempts: maxAttempts,
		pollEvery:   pollEvery,
	}
}

// EnqueueIngestionJob submits payload. jobId collapses duplicates at the
// queue level: `<slug>-<idempotencyKey or random>`.
func (q *Queue) EnqueueIngestionJob(ctx context.Context, payload ingest.JobPayload) (EnqueueResult, error) {
	jobID := jobIDFor(payload)

	if q.mode == ModeInline {
		result, err := q.processor.Process(ctx, payload)
		if err != nil {
			return EnqueueResult{JobID: jobID}, err
		}
		return EnqueueResult{JobID: jobID, Result: &result}, nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return EnqueueResult{}, tserrors.Validation("encoding job payload: %v", err)
	}

	_, err = q.pool.Exec(ctx, `
		INSERT INTO ingestion_jobs (id, dataset_slug, payload, status, max_attempts)
		VALUES ($1, $2, $3, 'pending', $4)
		ON CONFLICT (id) DO NOTHING`,
		jobID, payload.DatasetSlug, body, q.maxAttempts,
	)
	if err != nil {
		return EnqueueResult{}, tserrors.TransientIO(fmt.Errorf("enqueuing ingestion job: %w", err))
	}
	metrics.QueueJobsEnqueuedTotal.WithLabelValues(payload.DatasetSlug).Inc()
	return EnqueueResult{JobID: jobID}, nil
}

func jobIDFor(payload ingest.JobPayload) string {
	if payload.IdempotencyKey != "" {
		return payload.DatasetSlug + "-" + payload.IdempotencyKey
	}
	return fmt.Sprintf("%s-%d-%d", payload.DatasetSlug, time.Now().UnixNano(), rand.Int63())
}

// Start launches the distributed-mode worker pool; a no-op in inline mode.
// Workers stop accepting new jobs on ctx cancellation, let in-flight jobs
// finish, then return.
func (q *Queue) Start(ctx context.Context) {
	if q.mode != ModeDistributed {
		return
	}
	workerCtx, cancel := context.WithCancel(ctx)
	q.stop = cancel

	q.wg.Add(1)
	go q.pollLoop(workerCtx)
}

// Stop signals workers to drain and blocks until they exit or timeout
// elapses.
func (q *Queue) Stop(timeout time.Duration) {
	if q.mode != ModeDistributed || q.stop == nil {
		return
	}
	q.stop()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		q.log.Warn("jobqueue: workers did not drain before timeout")
	}
}

// PendingDepth reports how many jobs are waiting to run, for connectors'
// backpressure controllers. Inline mode has no backlog concept and always
// reports zero.
func (q *Queue) PendingDepth(ctx context.Context) int {
	if q.mode != ModeDistributed {
		return 0
	}
	var count int
	if err := q.pool.QueryRow(ctx, `SELECT count(*) FROM ingestion_jobs WHERE status IN ('pending', 'running')`).Scan(&count); err != nil {
		q.log.Error("jobqueue: failed to read pending depth", "error", err)
		return 0
	}
	return count
}

func (q *Queue) pollLoop(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(q.concurrency)
			for i := 0; i < q.concurrency; i++ {
				g.Go(func() error {
					q.processOne(gctx)
					return nil
				})
			}
			_ = g.Wait()
		}
	}
}

type leasedJob struct {
	id          string
	payload     ingest.JobPayload
	datasetSlug string
	attempts    int
}

// processOne leases at most one pending job with SELECT ... FOR UPDATE SKIP
// LOCKED and runs it; a no-op if nothing is due.
func (q *Queue) processOne(ctx context.Context) {
	job, ok, err := q.lease(ctx)
	if err != nil {
		q.log.Error("jobqueue: failed to lease job", "error", err)
		return
	}
	if !ok {
		return
	}

	// A leased job runs to completion even if the worker is shutting down.
	jobCtx := context.WithoutCancel(ctx)
	result, err := q.processor.Process(jobCtx, job.payload)
	if err != nil {
		q.handleFailure(jobCtx, job, err)
		return
	}
	q.handleSuccess(jobCtx, job, result)
}

func (q *Queue) lease(ctx context.Context) (leasedJob, bool, error) {
	var job leasedJob
	var body []byte

	err := q.pool.QueryRow(ctx, `
		UPDATE ingestion_jobs SET status = 'running', locked_at = now(), updated_at = now()
		WHERE id = (
			SELECT id FROM ingestion_jobs
			WHERE status = 'pending' AND next_attempt_at <= now()
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, dataset_slug, payload, attempts`,
	).Scan(&job.id, &job.datasetSlug, &body, &job.attempts)
	if err != nil {
		if err == pgx.ErrNoRows {
			return leasedJob{}, false, nil
		}
		return leasedJob{}, false, err
	}

	if err := json.Unmarshal(body, &job.payload); err != nil {
		return leasedJob{}, false, fmt.Errorf("decoding job %s payload: %w", job.id, err)
	}
	return job, true, nil
}

func (q *Queue) handleSuccess(ctx context.Context, job leasedJob, result ingest.Result) {
	// Outcome (succeeded vs replayed) is already recorded by the processor's
	// own metric; here we only need to retire the job row.
	_, err := q.pool.Exec(ctx, `UPDATE ingestion_jobs SET status = 'succeeded', updated_at = now() WHERE id = $1`, job.id)
	if err != nil {
		q.log.Error("jobqueue: failed to mark job succeeded", "jobId", job.id, "error", err)
	}
}

func (q *Queue) handleFailure(ctx context.Context, job leasedJob, procErr error) {
	failure := tserrors.AsUserFailure(procErr)
	attempts := job.attempts + 1
	metrics.QueueJobRetriesTotal.WithLabelValues(job.datasetSlug).Inc()

	if !failure.Retryable || attempts >= q.maxAttempts {
		_, err := q.pool.Exec(ctx, `
			UPDATE ingestion_jobs SET status = 'failed', attempts = $2, last_error = $3, updated_at = now()
			WHERE id = $1`, job.id, attempts, procErr.Error())
		if err != nil {
			q.log.Error("jobqueue: failed to mark job failed", "jobId", job.id, "error", err)
		}
		return
	}

	backoff := tserrors.Backoff(tserrors.DefaultRetryConfig(), attempts)
	_, err := q.pool.Exec(ctx, `
		UPDATE ingestion_jobs
		SET status = 'pending', attempts = $2, last_error = $3, next_attempt_at = now() + $4::interval, updated_at = now()
		WHERE id = $1`, job.id, attempts, procErr.Error(), fmt.Sprintf("%d milliseconds", backoff.Milliseconds()))
	if err != nil {
		q.log.Error("jobqueue: failed to reschedule job", "jobId", job.id, "error", err)
	}
}

