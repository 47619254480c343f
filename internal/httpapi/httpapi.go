// Package httpapi is Timestore's external HTTP surface: synchronous
// ingestion, manifest/partition reads, health/readiness, and metrics.
// Grounded on indexer/pkg/server/server.go's New/Run lifecycle, with
// chi added for the richer route set spec.md §6 requires.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/malbeclabs/timestore/internal/ingest"
	"github.com/malbeclabs/timestore/internal/jobqueue"
	"github.com/malbeclabs/timestore/internal/manifeststore"
	"github.com/malbeclabs/timestore/internal/spool"
	"github.com/malbeclabs/timestore/internal/stagingqueue"
	"github.com/malbeclabs/timestore/internal/tserrors"
)

// Config carries the process-level knobs for the HTTP server.
type Config struct {
	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	Version           string
	AllowedOrigins    []string
}

func (c Config) readHeaderTimeout() time.Duration {
	if c.ReadHeaderTimeout <= 0 {
		return 10 * time.Second
	}
	return c.ReadHeaderTimeout
}

func (c Config) shutdownTimeout() time.Duration {
	if c.ShutdownTimeout <= 0 {
		return 15 * time.Second
	}
	return c.ShutdownTimeout
}

// Ready reports whether the server is ready to accept ingestion traffic
// (e.g. the manifest store's connection pool can be reached).
type Ready func(ctx context.Context) error

type Server struct {
	log     *slog.Logger
	cfg     Config
	store   *manifeststore.Store
	queue   *jobqueue.Queue
	staging *stagingqueue.Manager
	ready   Ready
	router  *chi.Mux
	httpSrv *http.Server
}

func New(log *slog.Logger, cfg Config, store *manifeststore.Store, queue *jobqueue.Queue, ready Ready) *Server {
	s := &Server{log: log, cfg: cfg, store: store, queue: queue, ready: ready, router: chi.NewRouter()}
	s.setupRoutes()
	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: cfg.readHeaderTimeout(),
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// WithStaging attaches the Staging Write Manager so POST
// /v1/datasets/{slug}/stage can buffer batches into the spool instead of
// writing them through immediately. Call before Run; nil leaves the route
// returning 503.
func (s *Server) WithStaging(staging *stagingqueue.Manager) *Server {
	s.staging = staging
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.allowedOrigins(),
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)
	s.router.Get("/version", s.handleVersion)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/v1", func(r chi.Router) {
		r.Post("/ingest", s.handleIngest)
		r.Post("/datasets/{slug}/stage", s.handleStage)
		r.Get("/datasets/{slug}/manifest", s.handleGetManifest)
		r.Get("/datasets/{slug}/partitions", s.handleGetPartitions)
	})
}

func (s *Server) allowedOrigins() []string {
	if len(s.cfg.AllowedOrigins) == 0 {
		return []string{"*"}
	}
	return s.cfg.AllowedOrigins
}

// ServeHTTP lets tests exercise routes via httptest without binding a port.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run serves until ctx is cancelled, then gracefully shuts down.
func (s *Server) Run(ctx context.Context) error {
	serveErrCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	s.log.Info("httpapi: listening", "address", s.cfg.ListenAddr)

	select {
	case <-ctx.Done():
		s.log.Info("httpapi: stopping", "reason", ctx.Err())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.shutdownTimeout())
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down http server: %w", err)
		}
		return nil
	case err := <-serveErrCh:
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(err.Error() + "\n"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.cfg.Version})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingest.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, tserrors.Validation("decoding request body: %v", err))
		return
	}

	payload, err := req.ToJobPayload()
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := s.queue.EnqueueIngestionJob(r.Context(), payload)
	if err != nil {
		writeError(w, err)
		return
	}

	if result.Result != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "succeeded",
			"manifestId": result.Result.Manifest.ID,
			"replayed":   result.Result.Replayed,
			"jobId":      result.JobID,
		})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "jobId": result.JobID})
}

// handleStage buffers a batch into the spool via the Staging Write Manager
// instead of writing it through immediately, for callers that prefer to let
// the flush worker batch many small writes into fewer partitions.
func (s *Server) handleStage(w http.ResponseWriter, r *http.Request) {
	if s.staging == nil {
		writeJSON(w, http.StatusServiceUnavailable, tserrors.UserFailure{ErrorKind: "StagingDisabled", Reasons: []string{"staging is not configured on this server"}})
		return
	}

	var req ingest.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, tserrors.Validation("decoding request body: %v", err))
		return
	}
	req.DatasetSlug = chi.URLParam(r, "slug")

	payload, err := req.ToJobPayload()
	if err != nil {
		writeError(w, err)
		return
	}

	signature := payload.IdempotencyKey
	if signature == "" {
		signature = fmt.Sprintf("%s:%v:%s:%s", payload.DatasetSlug, payload.PartitionKey, payload.TimeRange.Start, payload.TimeRange.End)
	}

	result, err := s.staging.Enqueue(r.Context(), spool.StageRequest{
		DatasetSlug:        payload.DatasetSlug,
		IngestionSignature: signature,
		Schema:             payload.Schema,
		PartitionKey:       payload.PartitionKey,
		TableName:          payload.TableName,
		TimeRange:          payload.TimeRange,
		Rows:               payload.Rows,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"batchId":       result.BatchID,
		"rowCount":      result.RowCount,
		"alreadyStaged": result.AlreadyStaged,
	})
}

func (s *Server) handleGetManifest(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	dataset, err := s.store.GetDatasetBySlug(r.Context(), slug)
	if err != nil {
		writeError(w, err)
		return
	}

	shard := r.URL.Query().Get("shard")
	var shardPtr *string
	if shard != "" {
		shardPtr = &shard
	}

	manifest, err := s.store.GetLatestPublishedManifest(r.Context(), dataset.ID, shardPtr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, manifest)
}

func (s *Server) handleGetPartitions(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	dataset, err := s.store.GetDatasetBySlug(r.Context(), slug)
	if err != nil {
		writeError(w, err)
		return
	}

	shard := r.URL.Query().Get("shard")
	var shardPtr *string
	if shard != "" {
		shardPtr = &shard
	}

	manifest, err := s.store.GetLatestPublishedManifest(r.Context(), dataset.ID, shardPtr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, manifest.Partitions)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, manifeststore.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, tserrors.UserFailure{ErrorKind: "NotFound", Reasons: []string{err.Error()}})
		return
	}

	failure := tserrors.AsUserFailure(err)
	status := http.StatusInternalServerError
	switch failure.ErrorKind {
	case tserrors.KindValidation.String(), tserrors.KindSchemaEvolution.String():
		status = http.StatusBadRequest
	case tserrors.KindStorageTargetNotFound.String():
		status = http.StatusNotFound
	case tserrors.KindStagingQueueFull.String():
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, failure)
}
