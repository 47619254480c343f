// Package ingest implements C6, the Ingestion Processor: the 12-step
// orchestration from spec.md §4.6 that turns one IngestionJobPayload into a
// durable partition and a manifest update.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/malbeclabs/timestore/internal/events"
	"github.com/malbeclabs/timestore/internal/manifeststore"
	"github.com/malbeclabs/timestore/internal/manifeststore/cache"
	"github.com/malbeclabs/timestore/internal/metrics"
	"github.com/malbeclabs/timestore/internal/model"
	"github.com/malbeclabs/timestore/internal/schema"
	"github.com/malbeclabs/timestore/internal/storage"
	"github.com/malbeclabs/timestore/internal/tserrors"
)

// Actor identifies who submitted an ingestion request, carried through for
// audit metadata only; Timestore does not enforce authorization itself.
type Actor struct {
	ID     string
	Scopes []string
}

// SchemaEvolutionOptions is the evolution sub-object of an ingestion
// request's schema field, per spec.md §6.
type SchemaEvolutionOptions struct {
	Defaults map[string]any
	Backfill bool
}

// JobPayload is the canonical ingestion request shape, shared by the HTTP
// API's synchronous path, the distributed job queue, the streaming
// micro-batcher, and the connectors.
type JobPayload struct {
	DatasetSlug         string
	DatasetName         string
	StorageTargetID     string
	TableName           string
	Schema              model.Schema
	SchemaEvolution     SchemaEvolutionOptions
	PartitionKey        map[string]string
	PartitionAttributes map[string]string
	TimeRange           model.TimeRange
	Rows                []map[string]any
	IdempotencyKey      string
	Actor               Actor
}

// Result is what a successful (or idempotently short-circuited) Process
// call returns.
type Result struct {
	Manifest       model.Manifest
	Replayed       bool
	SchemaVersion  model.SchemaVersion
	Classification schema.Classification
}

// Processor wires the Manifest Store, Storage Driver registry, and event
// bus together to realize the Ingestion Processor.
type Processor struct {
	log                     *slog.Logger
	store                   *manifeststore.Store
	cache                   *cache.Cache
	registry                *storage.Registry
	bus                     events.Bus
	systemDefaultStorageTgt string
}

func New(log *slog.Logger, store *manifeststore.Store, c *cache.Cache, registry *storage.Registry, bus events.Bus, systemDefaultStorageTargetID string) *Processor {
	return &Processor{log: log, store: store, cache: c, registry: registry, bus: bus, systemDefaultStorageTgt: systemDefaultStorageTargetID}
}

// Process runs the full 12-step orchestration for one payload.
func (p *Processor) Process(ctx context.Context, payload JobPayload) (Result, error) {
	start := time.Now()
	outcome := "failed"
	defer func() {
		metrics.IngestionJobsTotal.WithLabelValues(payload.DatasetSlug, outcome).Inc()
		metrics.IngestionJobDuration.WithLabelValues(payload.DatasetSlug).Observe(time.Since(start).Seconds())
	}()

	result, err := p.process(ctx, payload)
	if err != nil {
		return Result{}, err
	}
	if result.Replayed {
		outcome = "replayed"
	} else {
		outcome = "succeeded"
	}
	return result, nil
}

func (p *Processor) process(ctx context.Context, payload JobPayload) (Result, error) {
	// Step 4 (validated early so we fail fast before touching the store).
	if err := schema.Validate(payload.Schema); err != nil {
		return Result{}, tserrors.Validation("invalid schema: %v", err)
	}
	if !payload.TimeRange.Valid() {
		return Result{}, tserrors.Validation("partition time range end %s is before start %s", payload.TimeRange.End, payload.TimeRange.Start)
	}

	// Step 2: upsert dataset.
	dataset, err := p.upsertDataset(ctx, payload)
	if err != nil {
		return Result{}, err
	}

	// Step 1: resolve storage target (explicit id or dataset default or system default).
	storageTargetID := payload.StorageTargetID
	if storageTargetID == "" {
		storageTargetID = dataset.DefaultStorageTargetID
	}
	if storageTargetID == "" {
		storageTargetID = p.systemDefaultStorageTgt
	}
	if storageTargetID == "" {
		return Result{}, tserrors.StorageTargetNotFound("<none configured>")
	}
	if dataset.DefaultStorageTargetID == "" {
		if err := p.store.UpdateDatasetDefaultStorageTarget(ctx, dataset.ID, storageTargetID); err != nil {
			return Result{}, err
		}
		dataset.DefaultStorageTargetID = storageTargetID
	}
	target, err := p.store.GetStorageTarget(ctx, storageTargetID)
	if err != nil {
		return Result{}, err
	}

	// Step 3: idempotency short-circuit.
	if payload.IdempotencyKey != "" {
		if batch, err := p.store.GetIngestionBatch(ctx, dataset.ID, payload.IdempotencyKey); err == nil {
			manifest, err := p.store.GetManifest(ctx, batch.ManifestID)
			if err != nil {
				return Result{}, err
			}
			return Result{Manifest: manifest, Replayed: true}, nil
		} else if !errors.Is(err, manifeststore.ErrNotFound) {
			return Result{}, err
		}
	}

	// Step 5: derive shard, locate baseline.
	shard := model.DeriveShard(payload.TimeRange.Start)
	shardManifest, shardErr := p.store.GetLatestPublishedManifest(ctx, dataset.ID, &shard)
	var hasShardManifest bool
	switch {
	case shardErr == nil:
		hasShardManifest = true
	case errors.Is(shardErr, manifeststore.ErrNotFound):
		hasShardManifest = false
	default:
		return Result{}, shardErr
	}

	var baselineSchema model.Schema
	if hasShardManifest {
		v, err := p.store.GetSchemaVersionByID(ctx, shardManifest.SchemaVersionID)
		if err != nil {
			return Result{}, err
		}
		baselineSchema = v.Schema
	} else if datasetLatest, err := p.store.GetLatestPublishedManifest(ctx, dataset.ID, nil); err == nil {
		v, err := p.store.GetSchemaVersionByID(ctx, datasetLatest.SchemaVersionID)
		if err != nil {
			return Result{}, err
		}
		baselineSchema = v.Schema
	} else if !errors.Is(err, manifeststore.ErrNotFound) {
		return Result{}, err
	}

	// Step 6: schema evolution.
	classification := schema.Classify(baselineSchema, payload.Schema, payload.SchemaEvolution.Defaults)
	metrics.SchemaEvolutionsTotal.WithLabelValues(payload.DatasetSlug, classification.Classification.String()).Inc()
	if classification.Classification == schema.Breaking {
		return Result{}, tserrors.SchemaEvolution(classification.Reasons)
	}

	// Step 7: schema version find-or-create.
	checksum := schema.Checksum(payload.Schema)
	schemaVersion, err := p.store.FindSchemaVersionByChecksum(ctx, dataset.ID, checksum)
	if errors.Is(err, manifeststore.ErrNotFound) {
		nextVersion, err := p.store.GetNextSchemaVersion(ctx, dataset.ID)
		if err != nil {
			return Result{}, err
		}
		schemaVersion, err = p.store.CreateSchemaVersion(ctx, dataset.ID, nextVersion, payload.Schema, checksum)
		if err != nil {
			return Result{}, err
		}
	} else if err != nil {
		return Result{}, err
	}

	// Boundary: an empty row set creates no partition and no manifest change.
	if len(payload.Rows) == 0 {
		var manifest model.Manifest
		if hasShardManifest {
			manifest = shardManifest
		}
		if payload.IdempotencyKey != "" && hasShardManifest {
			if _, err := p.store.RecordIngestionBatch(ctx, dataset.ID, payload.IdempotencyKey, manifest.ID); err != nil {
				return Result{}, err
			}
		}
		return Result{Manifest: manifest, SchemaVersion: schemaVersion, Classification: classification.Classification}, nil
	}

	tableName := payload.TableName
	if tableName == "" {
		tableName = "records"
	}

	driver, err := p.registry.Resolve(target.Kind)
	if err != nil {
		return Result{}, tserrors.StorageTargetNotFound(target.ID)
	}

	// Timestamp fields arrive as RFC 3339 strings from the JSON wire format;
	// the storage drivers take time.Time values.
	for _, row := range payload.Rows {
		for _, f := range payload.Schema {
			if s, ok := row[f.Name].(string); ok && f.Type == model.FieldTimestamp {
				tv, err := time.Parse(time.RFC3339Nano, s)
				if err != nil {
					return Result{}, tserrors.Validation("row field %q: invalid timestamp %q", f.Name, s)
				}
				row[f.Name] = tv
			}
		}
	}

	// Step 8: write the partition.
	writeResult, err := driver.WritePartition(ctx, storage.WriteRequest{
		Dataset:       dataset,
		Target:        target,
		Schema:        payload.Schema,
		SchemaVersion: schemaVersion.ID,
		PartitionKey:  payload.PartitionKey,
		StartTime:     payload.TimeRange.Start,
		EndTime:       payload.TimeRange.End,
		Rows:          payload.Rows,
	})
	if err != nil {
		if _, ok := err.(*tserrors.Error); ok {
			return Result{}, err
		}
		return Result{}, tserrors.TransientIO(fmt.Errorf("writing partition: %w", err))
	}
	if writeResult.TableName == "" {
		writeResult.TableName = tableName
	}

	partition := model.Partition{
		ID:                 uuid.NewString(),
		StorageTargetID:    target.ID,
		FileFormat:         writeResult.FileFormat,
		FilePath:           writeResult.FilePath,
		PartitionKey:       payload.PartitionKey,
		StartTime:          payload.TimeRange.Start,
		EndTime:            payload.TimeRange.End,
		FileSizeBytes:      writeResult.FileSizeBytes,
		RowCount:           writeResult.RowCount,
		Checksum:           writeResult.Checksum,
		ColumnStatistics:   writeResult.ColumnStatistics,
		ColumnBloomFilters: writeResult.ColumnBloomFilters,
		TableName:          writeResult.TableName,
		SchemaVersionID:    schemaVersion.ID,
	}
	metrics.PartitionsWrittenTotal.WithLabelValues(payload.DatasetSlug, string(target.Kind)).Inc()

	metadataPatch := map[string]any{}
	if len(payload.PartitionAttributes) > 0 {
		metadataPatch["partitionAttributes"] = map[string]any{partition.ID: payload.PartitionAttributes}
	}

	// Step 9: manifest update rule.
	appendEligible := hasShardManifest && (schemaVersion.ID == shardManifest.SchemaVersionID || classification.Classification == schema.Additive)

	var manifest model.Manifest
	if appendEligible {
		summaryPatch := map[string]any{
			"partitionCount": countInt(shardManifest.Summary, "partitionCount") + 1,
			"rowCount":       countInt(shardManifest.Summary, "rowCount") + writeResult.RowCount,
			"lastIngestedAt": time.Now().UTC().Format(time.RFC3339),
		}
		manifest, err = p.store.AppendPartitionsToManifest(ctx, shardManifest.ID, []model.Partition{partition}, summaryPatch, metadataPatch, schemaVersion.ID)
	} else {
		var nextVersion int64
		nextVersion, err = p.store.GetNextManifestVersion(ctx, dataset.ID)
		if err != nil {
			return Result{}, err
		}
		var parentID *string
		if hasShardManifest {
			parentID = &shardManifest.ID
		}
		manifest, err = p.store.CreateDatasetManifest(ctx, manifeststore.NewManifest{
			DatasetID:        dataset.ID,
			Version:          nextVersion,
			ShardKey:         shard,
			SchemaVersionID:  schemaVersion.ID,
			ParentManifestID: parentID,
			Summary: map[string]any{
				"partitionCount": int64(1),
				"rowCount":       writeResult.RowCount,
				"lastIngestedAt": time.Now().UTC().Format(time.RFC3339),
			},
			Metadata:   metadataPatch,
			CreatedBy:  payload.Actor.ID,
			Partitions: []model.Partition{partition},
		})
	}
	if err != nil {
		return Result{}, err
	}

	// Step 10: record ingestion batch.
	if payload.IdempotencyKey != "" {
		if _, err := p.store.RecordIngestionBatch(ctx, dataset.ID, payload.IdempotencyKey, manifest.ID); err != nil {
			return Result{}, err
		}
	}

	// Step 11: refresh cache, best-effort.
	if p.cache != nil {
		p.cache.Put(dataset.ID, shard, manifest)
	}

	// Step 12: publish events.
	p.publishEvents(ctx, dataset, manifest, partition, shardManifest, hasShardManifest, classification, payload.SchemaEvolution.Backfill)

	return Result{Manifest: manifest, SchemaVersion: schemaVersion, Classification: classification.Classification}, nil
}

func (p *Processor) upsertDataset(ctx context.Context, payload JobPayload) (model.Dataset, error) {
	dataset, err := p.store.GetDatasetBySlug(ctx, payload.DatasetSlug)
	if err == nil {
		return dataset, nil
	}
	if !errors.Is(err, manifeststore.ErrNotFound) {
		return model.Dataset{}, err
	}

	name := payload.DatasetName
	if name == "" {
		name = payload.DatasetSlug
	}
	return p.store.CreateDataset(ctx, model.Dataset{Slug: payload.DatasetSlug, Name: name})
}

func (p *Processor) publishEvents(ctx context.Context, dataset model.Dataset, manifest model.Manifest, partition model.Partition, shardManifest model.Manifest, hadShardManifest bool, classification schema.Result, backfillRequested bool) {
	now := time.Now().UTC().Format(time.RFC3339)

	if err := p.bus.Publish(ctx, events.TopicPartitionCreated, events.PartitionCreated{
		DatasetID:       dataset.ID,
		DatasetSlug:     dataset.Slug,
		ManifestID:      manifest.ID,
		PartitionID:     partition.ID,
		PartitionKey:    partition.PartitionKey,
		StorageTargetID: partition.StorageTargetID,
		FilePath:        partition.FilePath,
		RowCount:        partition.RowCount,
		FileSizeBytes:   partition.FileSizeBytes,
		Checksum:        partition.Checksum,
		ReceivedAt:      now,
	}); err != nil {
		p.log.Warn("failed to publish partition.created", "error", err)
	}

	if !hadShardManifest || classification.Classification != schema.Additive || len(classification.Plan.AddedColumns) == 0 {
		return
	}

	added := make([]string, len(classification.Plan.AddedColumns))
	for i, f := range classification.Plan.AddedColumns {
		added[i] = f.Name
	}

	var previousManifestID *string
	if hadShardManifest {
		previousManifestID = &shardManifest.ID
	}

	evolved := events.SchemaEvolved{
		DatasetID:          dataset.ID,
		DatasetSlug:        dataset.Slug,
		ManifestID:         manifest.ID,
		PreviousManifestID: previousManifestID,
		SchemaVersionID:    manifest.SchemaVersionID,
		AddedColumns:       added,
	}
	if err := p.bus.Publish(ctx, events.TopicSchemaEvolved, evolved); err != nil {
		p.log.Warn("failed to publish schema.evolved", "error", err)
	}

	if backfillRequested && len(classification.Plan.Defaults) > 0 {
		if err := p.bus.Publish(ctx, events.TopicSchemaBackfillRequested, events.SchemaBackfillRequested{
			SchemaEvolved: evolved,
			Defaults:      classification.Plan.Defaults,
		}); err != nil {
			p.log.Warn("failed to publish schema.backfill.requested", "error", err)
		}
	}
}

func countInt(summary map[string]any, key string) int64 {
	switch v := summary[key].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}
