package ingest

import (
	"time"

	"github.com/malbeclabs/timestore/internal/model"
	"github.com/malbeclabs/timestore/internal/tserrors"
)

// Request is the wire shape of an ingestion request, spec.md §6: shared by
// the HTTP API, the streaming file tailer's envelope, and the bulk loader.
type Request struct {
	DatasetSlug     string           `json:"datasetSlug"`
	DatasetName     string           `json:"datasetName,omitempty"`
	StorageTargetID string           `json:"storageTargetId,omitempty"`
	TableName       string           `json:"tableName,omitempty"`
	Schema          RequestSchema    `json:"schema"`
	Partition       RequestPartition `json:"partition"`
	Rows            []map[string]any `json:"rows"`
	IdempotencyKey  string           `json:"idempotencyKey,omitempty"`
	Actor           *RequestActor    `json:"actor,omitempty"`
	ReceivedAt      *time.Time       `json:"receivedAt,omitempty"`
}

type RequestSchema struct {
	Fields    []model.Field     `json:"fields"`
	Evolution *RequestEvolution `json:"evolution,omitempty"`
}

type RequestEvolution struct {
	Defaults map[string]any `json:"defaults,omitempty"`
	Backfill bool           `json:"backfill,omitempty"`
}

type RequestPartition struct {
	Key        map[string]string `json:"key"`
	Attributes map[string]string `json:"attributes,omitempty"`
	TimeRange  RequestTimeRange  `json:"timeRange"`
}

type RequestTimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type RequestActor struct {
	ID     string   `json:"id"`
	Scopes []string `json:"scopes,omitempty"`
}

// ToJobPayload validates and converts the wire request into the internal
// JobPayload shape the Ingestion Processor consumes.
func (r Request) ToJobPayload() (JobPayload, error) {
	if r.DatasetSlug == "" {
		return JobPayload{}, tserrors.Validation("datasetSlug is required")
	}
	for _, f := range r.Schema.Fields {
		if !f.Type.Valid() {
			return JobPayload{}, tserrors.Validation("unknown field type %q for column %q", f.Type, f.Name)
		}
	}
	tr := model.TimeRange{Start: r.Partition.TimeRange.Start, End: r.Partition.TimeRange.End}
	if !tr.Valid() {
		return JobPayload{}, tserrors.Validation("partition.timeRange.end must not be before start")
	}

	payload := JobPayload{
		DatasetSlug:         r.DatasetSlug,
		DatasetName:         r.DatasetName,
		StorageTargetID:     r.StorageTargetID,
		TableName:           r.TableName,
		Schema:              model.Schema(r.Schema.Fields),
		PartitionKey:        r.Partition.Key,
		PartitionAttributes: r.Partition.Attributes,
		TimeRange:           tr,
		Rows:                r.Rows,
		IdempotencyKey:      r.IdempotencyKey,
	}
	if r.Schema.Evolution != nil {
		payload.SchemaEvolution = SchemaEvolutionOptions{
			Defaults: r.Schema.Evolution.Defaults,
			Backfill: r.Schema.Evolution.Backfill,
		}
	}
	if r.Actor != nil {
		payload.Actor = Actor{ID: r.Actor.ID, Scopes: r.Actor.Scopes}
	}
	if payload.TableName == "" {
		payload.TableName = "records"
	}
	return payload, nil
}
