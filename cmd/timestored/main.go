// Command timestored runs Timestore as a single process: the HTTP ingest
// API, the job queue worker pool, the spool-to-manifest flush worker, any
// configured streaming micro-batchers, and any configured file/bulk
// connectors all share one Postgres-backed Manifest Store and Storage
// Driver registry. Grounded on slack/cmd/slack-bot/main.go's run()/signal
// handling idiom.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/timestore/internal/config"
	"github.com/malbeclabs/timestore/internal/connectors/backpressure"
	"github.com/malbeclabs/timestore/internal/connectors/bulkload"
	"github.com/malbeclabs/timestore/internal/connectors/filetail"
	"github.com/malbeclabs/timestore/internal/events"
	"github.com/malbeclabs/timestore/internal/flushpolicy"
	"github.com/malbeclabs/timestore/internal/flushworker"
	"github.com/malbeclabs/timestore/internal/httpapi"
	"github.com/malbeclabs/timestore/internal/ingest"
	"github.com/malbeclabs/timestore/internal/jobqueue"
	"github.com/malbeclabs/timestore/internal/manifeststore"
	"github.com/malbeclabs/timestore/internal/manifeststore/cache"
	"github.com/malbeclabs/timestore/internal/model"
	"github.com/malbeclabs/timestore/internal/spool"
	"github.com/malbeclabs/timestore/internal/stagingqueue"
	"github.com/malbeclabs/timestore/internal/storage"
	"github.com/malbeclabs/timestore/internal/storage/columnardb"
	"github.com/malbeclabs/timestore/internal/storage/localfile"
	"github.com/malbeclabs/timestore/internal/storage/objectstore"
	"github.com/malbeclabs/timestore/internal/streaming"
	"github.com/malbeclabs/timestore/internal/tslog"
	migrations "github.com/malbeclabs/timestore/migrations/postgres"

	"github.com/jonboulle/clockwork"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	log := tslog.New(cfg.Verbose)
	log.Info("timestored starting", "version", version, "commit", commit)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pgPoolCfg := manifeststore.PoolConfig{
		Host: cfg.Postgres.Host, Port: cfg.Postgres.Port, Database: cfg.Postgres.Database,
		Username: cfg.Postgres.Username, Password: cfg.Postgres.Password, SSLMode: cfg.Postgres.SSLMode,
	}
	if err := manifeststore.RunMigrations(ctx, log, pgPoolCfg, migrations.EmbedMigrations, "."); err != nil {
		return fmt.Errorf("running manifest store migrations: %w", err)
	}
	pool, err := manifeststore.NewPool(ctx, log, pgPoolCfg)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer pool.Close()

	store := manifeststore.New(pool)
	bus := events.NewInProcess(log)
	memCache := cache.New(log, store, bus, time.Minute)
	defer memCache.Close()

	registry, systemDefaultTargetID, err := buildStorageRegistry(ctx, log, store, cfg.Storage)
	if err != nil {
		return fmt.Errorf("building storage registry: %w", err)
	}

	processor := ingest.New(log, store, memCache, registry, bus, systemDefaultTargetID)

	var queue *jobqueue.Queue
	switch cfg.Queue.Mode {
	case "distributed":
		queue = jobqueue.NewDistributed(log, processor, pool, cfg.Queue.Concurrency, cfg.Queue.MaxAttempts, 2*time.Second)
	default:
		queue = jobqueue.NewInline(log, processor)
	}
	queue.Start(ctx)
	defer queue.Stop(10 * time.Second)

	sp := spool.New(log, cfg.Staging.Directory)
	sp.MaxDatasetBytes = cfg.Staging.MaxDatasetBytes
	sp.MaxTotalBytes = cfg.Staging.MaxTotalBytes

	stagingMgr := stagingqueue.New(log, sp, cfg.Staging.MaxPendingPerDataset)

	fw := flushworker.New(log, flushworker.Config{
		PollInterval: 2 * time.Second,
		Thresholds: flushpolicy.Thresholds{
			MaxRows:  cfg.Staging.Flush.MaxRows,
			MaxBytes: cfg.Staging.Flush.MaxBytes,
			MaxAgeMs: cfg.Staging.Flush.MaxAgeMs,
		},
	}, sp, queue, stagedDatasetLister(cfg.Staging.Directory))
	fw.Start(ctx)
	defer fw.Stop(10 * time.Second)

	var batchers []*streaming.Batcher
	if cfg.Streaming.Enabled {
		for _, bc := range cfg.Streaming.Batchers {
			b := streaming.New(log, streaming.Config{
				ConnectorID: bc.ConnectorID, Topic: bc.Topic, GroupID: bc.GroupID,
				DatasetSlug: bc.DatasetSlug, DatasetName: bc.DatasetName, TableName: bc.TableName,
				Schema:    model.Schema(bc.Schema),
				TimeField: bc.TimeField, WindowSeconds: bc.WindowSeconds,
				MaxRowsPerPartition: bc.MaxRowsPerPartition, MaxBatchLatencyMs: bc.MaxBatchLatencyMs,
				PartitionKey: bc.PartitionKey, PartitionAttributes: bc.PartitionAttributes,
				StartFromEarliest: bc.StartFromEarliest,
			}, processor, store, bus, clockwork.NewRealClock())
			b.Start(ctx)
			batchers = append(batchers, b)
		}
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, b := range batchers {
			b.Stop(shutdownCtx)
		}
	}()

	var fileConns []*filetail.Connector
	var bulkConns []*bulkload.Connector
	if cfg.Connectors.Enabled {
		bpCfg := backpressure.Config{
			HighWatermark: cfg.Connectors.Backpressure.HighWatermark,
			LowWatermark:  cfg.Connectors.Backpressure.LowWatermark,
			MinPauseMs:    cfg.Connectors.Backpressure.MinPauseMs,
			MaxPauseMs:    cfg.Connectors.Backpressure.MaxPauseMs,
		}
		depth := func() int { return queue.PendingDepth(context.Background()) }

		for _, fc := range cfg.Connectors.Streaming {
			bp := backpressure.New(fc.ConnectorID, bpCfg)
			c := filetail.New(log, filetail.Config{
				ConnectorID: fc.ConnectorID, Path: fc.Path, CheckpointPath: fc.CheckpointPath,
				DLQPath: fc.DLQPath, PollInterval: time.Duration(fc.PollIntervalMs) * time.Millisecond,
				DedupeTTL: time.Duration(fc.DedupeTTLMs) * time.Millisecond, StartAtOldest: fc.StartAtOldest,
			}, queue, bp, depth)
			if err := c.Start(ctx); err != nil {
				return fmt.Errorf("starting file tailer %s: %w", fc.ConnectorID, err)
			}
			fileConns = append(fileConns, c)
		}

		for _, bc := range cfg.Connectors.Bulk {
			bp := backpressure.New(bc.ConnectorID, bpCfg)
			c := bulkload.New(log, bulkload.Config{
				ConnectorID: bc.ConnectorID, Directory: bc.Directory, Glob: bc.Glob,
				ChunkSizeDefault: bc.ChunkSizeDefault, PollInterval: time.Duration(bc.PollIntervalMs) * time.Millisecond,
				DeleteOnSuccess: bc.DeleteOnSuccess,
			}, queue, bp, depth)
			c.Start(ctx)
			bulkConns = append(bulkConns, c)
		}
	}
	defer func() {
		for _, c := range fileConns {
			c.Stop(10 * time.Second)
		}
		for _, c := range bulkConns {
			c.Stop(10 * time.Second)
		}
	}()

	server := httpapi.New(log, httpapi.Config{
		ListenAddr: cfg.ListenAddr,
		Version:    version,
	}, store, queue, func(ctx context.Context) error {
		return pool.Ping(ctx)
	}).WithStaging(stagingMgr)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return server.Run(groupCtx) })

	if err := group.Wait(); err != nil {
		return fmt.Errorf("timestored stopped with error: %w", err)
	}
	log.Info("timestored shut down cleanly")
	return nil
}

// buildStorageRegistry wires every configured storage kind's driver into a
// Registry, and returns the id of the system-default StorageTarget used
// when a job payload and its dataset both leave StorageTargetID unset.
func buildStorageRegistry(ctx context.Context, log *slog.Logger, store *manifeststore.Store, cfg config.StorageConfig) (*storage.Registry, string, error) {
	var drivers []storage.Driver

	localDriver := localfile.New(log, cfg.Root)
	drivers = append(drivers, localDriver)

	if cfg.ObjectStore.Bucket != "" {
		osDriver, err := objectstore.New(ctx, log, objectstore.Config{
			Bucket: cfg.ObjectStore.Bucket, KeyPrefix: cfg.ObjectStore.KeyPrefix,
			Region: cfg.ObjectStore.Region, Endpoint: cfg.ObjectStore.Endpoint,
		})
		if err != nil {
			return nil, "", fmt.Errorf("constructing object-store driver: %w", err)
		}
		drivers = append(drivers, osDriver)
	}

	if cfg.ColumnarDB.Addr != "" {
		chCfg := columnardb.Config{
			Addr: cfg.ColumnarDB.Addr, Database: cfg.ColumnarDB.Database,
			Username: cfg.ColumnarDB.Username, Password: cfg.ColumnarDB.Password, Secure: cfg.ColumnarDB.Secure,
		}
		if err := columnardb.RunMigrations(ctx, log, chCfg); err != nil {
			return nil, "", fmt.Errorf("running columnar-db migrations: %w", err)
		}
		chClient, err := columnardb.NewClient(ctx, log, chCfg)
		if err != nil {
			return nil, "", fmt.Errorf("connecting to columnar-db: %w", err)
		}
		drivers = append(drivers, columnardb.New(log, chClient))
	}

	registry, err := storage.NewRegistry(drivers...)
	if err != nil {
		return nil, "", err
	}

	defaultKind := model.StorageTargetKind(cfg.Driver)
	if defaultKind == "" {
		defaultKind = model.StorageKindLocalFile
	}
	// A fixed id makes this an idempotent upsert across restarts:
	// CreateStorageTarget upserts on id conflict.
	target, err := store.CreateStorageTarget(ctx, model.StorageTarget{
		ID:   "system-default",
		Name: "system-default",
		Kind: defaultKind,
	})
	if err != nil {
		return nil, "", fmt.Errorf("registering default storage target: %w", err)
	}
	return registry, target.ID, nil
}

// stagedDatasetLister lists dataset slugs with a staging directory beneath
// root, so flushworker doesn't need its own dataset registry.
func stagedDatasetLister(root string) flushworker.DatasetLister {
	return func() ([]string, error) {
		entries, err := os.ReadDir(root)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, err
		}
		var slugs []string
		for _, e := range entries {
			if e.IsDir() {
				slugs = append(slugs, e.Name())
			}
		}
		return slugs, nil
	}
}
