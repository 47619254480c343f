// Package model defines Timestore's core entities, unchanged in shape from
// the specification: datasets, storage targets, schema versions, manifests,
// partitions, ingestion batches and streaming watermarks.
package model

import "time"

// FieldType is one of the five primitive column types a dataset schema may
// use. Unknown field types are rejected at the boundary.
type FieldType string

const (
	FieldTimestamp FieldType = "timestamp"
	FieldString    FieldType = "string"
	FieldDouble    FieldType = "double"
	FieldInteger   FieldType = "integer"
	FieldBoolean   FieldType = "boolean"
)

func (t FieldType) Valid() bool {
	switch t {
	case FieldTimestamp, FieldString, FieldDouble, FieldInteger, FieldBoolean:
		return true
	default:
		return false
	}
}

// Field is one ordered (name, type) pair in a dataset schema.
type Field struct {
	Name string    `json:"name"`
	Type FieldType `json:"type"`
}

// Schema is an ordered list of fields. Order matters for checksum
// computation and for the identical/additive/breaking comparison in
// internal/schema.
type Schema []Field

// StorageTargetKind selects which internal/storage.Driver implementation
// backs a StorageTarget.
type StorageTargetKind string

const (
	StorageKindLocalFile  StorageTargetKind = "local-file"
	StorageKindObjectStore StorageTargetKind = "object-store"
	StorageKindColumnarDB  StorageTargetKind = "columnar-db"
)

// Dataset is mutated only by the Ingestion Processor and admin operations.
type Dataset struct {
	ID                     string
	Slug                   string
	Name                   string
	Description            string
	DefaultStorageTargetID string
	Metadata               map[string]any
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// StorageTarget is immutable apart from Config.
type StorageTarget struct {
	ID     string
	Name   string
	Kind   StorageTargetKind
	Config map[string]any
}

// SchemaVersion is never mutated once created; unique by (DatasetID, Checksum).
type SchemaVersion struct {
	ID        string
	DatasetID string
	Version   int64
	Schema    Schema
	Checksum  string
	CreatedAt time.Time
}

// ManifestStatus is one of draft, published, superseded.
type ManifestStatus string

const (
	ManifestDraft      ManifestStatus = "draft"
	ManifestPublished  ManifestStatus = "published"
	ManifestSuperseded ManifestStatus = "superseded"
)

// Manifest owns an ordered set of Partitions. At most one published manifest
// may exist per (DatasetID, ShardKey) at any instant.
type Manifest struct {
	ID               string
	DatasetID        string
	Version          int64
	Status           ManifestStatus
	ShardKey         string
	SchemaVersionID  string
	ParentManifestID *string
	Summary          map[string]any
	Statistics       map[string]any
	Metadata         map[string]any
	CreatedBy        string
	CreatedAt        time.Time
	PublishedAt      *time.Time

	Partitions []Partition
}

// Partition is immutable once written; referenced by exactly one manifest
// at a time (appends copy-on-write the manifest row, not the partition).
type Partition struct {
	ID                  string
	ManifestID          string
	StorageTargetID      string
	FileFormat          string
	FilePath            string
	PartitionKey        map[string]string
	StartTime           time.Time
	EndTime             time.Time
	FileSizeBytes       int64
	RowCount            int64
	Checksum            string
	ColumnStatistics    map[string]any
	ColumnBloomFilters  map[string][]byte
	TableName           string
	SchemaVersionID     string
}

// IngestionBatch is the idempotency record: unique by (DatasetID, IdempotencyKey).
type IngestionBatch struct {
	ID             string
	DatasetID      string
	IdempotencyKey string
	ManifestID     string
	CreatedAt      time.Time
}

// StreamingWatermark is unique by (DatasetID, ConnectorID); SealedThrough
// must be monotonic non-decreasing.
type StreamingWatermark struct {
	ConnectorID      string
	DatasetID        string
	DatasetSlug      string
	SealedThrough    time.Time
	BacklogLagMs     int64
	RecordsProcessed int64
}

// TimeRange is a closed interval [Start, End] with End >= Start.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

func (r TimeRange) Valid() bool {
	return !r.End.Before(r.Start)
}
