// Package stagingqueue implements C7, the Staging Write Manager: a
// per-dataset FIFO queue in front of the Spool Manager's StagePartition,
// enforcing at most one in-flight stage per dataset and a bounded pending
// depth.
package stagingqueue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/malbeclabs/timestore/internal/metrics"
	"github.com/malbeclabs/timestore/internal/spool"
	"github.com/malbeclabs/timestore/internal/tserrors"
)

type request struct {
	ctx    context.Context
	req    spool.StageRequest
	result chan<- stageOutcome
}

type stageOutcome struct {
	result spool.StageResult
	err    error
}

type datasetQueue struct {
	mu      sync.Mutex
	pending []request
	running bool
}

// Manager serializes staging requests per dataset slug, rejecting new work
// once a dataset's pending+inflight count reaches MaxPendingPerDataset.
type Manager struct {
	log                   *slog.Logger
	spool                 *spool.Manager
	maxPendingPerDataset  int

	mu     sync.Mutex
	queues map[string]*datasetQueue
}

func New(log *slog.Logger, sp *spool.Manager, maxPendingPerDataset int) *Manager {
	return &Manager{
		log:                  log,
		spool:                sp,
		maxPendingPerDataset: maxPendingPerDataset,
		queues:               make(map[string]*datasetQueue),
	}
}

func (m *Manager) queueFor(slug string) *datasetQueue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[slug]
	if !ok {
		q = &datasetQueue{}
		m.queues[slug] = q
	}
	return q
}

// Enqueue submits req for staging, blocking the caller until it has been
// processed (or rejected for capacity). This mirrors the teacher's
// synchronous-call/asynchronous-worker pattern: callers get a result future
// without needing to poll.
func (m *Manager) Enqueue(ctx context.Context, req spool.StageRequest) (spool.StageResult, error) {
	q := m.queueFor(req.DatasetSlug)

	q.mu.Lock()
	depth := len(q.pending)
	if q.running {
		depth++
	}
	if depth >= m.maxPendingPerDataset {
		q.mu.Unlock()
		metrics.StagingQueueRejectionsTotal.WithLabelValues(req.DatasetSlug).Inc()
		return spool.StageResult{}, tserrors.StagingQueueFull(req.DatasetSlug)
	}

	resultCh := make(chan stageOutcome, 1)
	q.pending = append(q.pending, request{ctx: ctx, req: req, result: resultCh})
	metrics.StagingQueueDepth.WithLabelValues(req.DatasetSlug).Set(float64(len(q.pending)))
	startWorker := !q.running
	if startWorker {
		q.running = true
	}
	q.mu.Unlock()

	if startWorker {
		go m.drain(req.DatasetSlug, q)
	}

	select {
	case out := <-resultCh:
		return out.result, out.err
	case <-ctx.Done():
		return spool.StageResult{}, ctx.Err()
	}
}

// drain processes q's pending requests strictly in FIFO order, one at a
// time, until the queue is empty.
func (m *Manager) drain(slug string, q *datasetQueue) {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.mu.Unlock()
			metrics.StagingQueueDepth.WithLabelValues(slug).Set(0)
			return
		}
		next := q.pending[0]
		q.pending = q.pending[1:]
		metrics.StagingQueueDepth.WithLabelValues(slug).Set(float64(len(q.pending) + 1))
		q.mu.Unlock()

		result, err := m.spool.StagePartition(next.ctx, next.req)
		next.result <- stageOutcome{result: result, err: err}
	}
}
