// Package storage defines C1, the Storage Driver: a uniform write path over
// the three StorageTarget kinds named in spec.md §3/§4.1 (local-file,
// object-store, columnar-db). Each backend lives in its own subpackage and
// satisfies Driver.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/malbeclabs/timestore/internal/model"
)

// WriteRequest is a single flushed batch of rows destined for one partition.
type WriteRequest struct {
	Dataset       model.Dataset
	Target        model.StorageTarget
	Schema        model.Schema
	SchemaVersion string
	PartitionKey  map[string]string
	StartTime     time.Time
	EndTime       time.Time
	Rows          []Row
}

// Row is re-exported from arrowcodec's shape so callers outside this package
// don't need to import the codec subpackage directly.
type Row = map[string]any

// WriteResult is everything the Manifest Store needs to record a Partition
// row, per spec.md §3's Partition type.
type WriteResult struct {
	FileFormat         string
	FilePath           string
	TableName          string
	FileSizeBytes      int64
	RowCount           int64
	Checksum           string
	ColumnStatistics   map[string]any
	ColumnBloomFilters map[string][]byte
}

// Driver is the uniform write path every StorageTarget kind implements.
type Driver interface {
	// WritePartition durably persists req and returns the descriptor the
	// Manifest Store will record. It must be safe to call concurrently for
	// different partitions.
	WritePartition(ctx context.Context, req WriteRequest) (WriteResult, error)

	// Kind reports which model.StorageTargetKind this driver implements.
	Kind() model.StorageTargetKind
}

// Registry resolves a model.StorageTarget to the Driver that handles its
// kind. Drivers register themselves by kind at construction time in
// cmd/timestored's wiring, not via a package-level init, so tests can build
// a Registry with only the backends they need.
type Registry struct {
	drivers map[model.StorageTargetKind]Driver
}

func NewRegistry(drivers ...Driver) (*Registry, error) {
	r := &Registry{drivers: make(map[model.StorageTargetKind]Driver, len(drivers))}
	for _, d := range drivers {
		if _, exists := r.drivers[d.Kind()]; exists {
			return nil, fmt.Errorf("duplicate driver registered for storage target kind %q", d.Kind())
		}
		r.drivers[d.Kind()] = d
	}
	return r, nil
}

func (r *Registry) Resolve(kind model.StorageTargetKind) (Driver, error) {
	d, ok := r.drivers[kind]
	if !ok {
		return nil, fmt.Errorf("no storage driver registered for target kind %q", kind)
	}
	return d, nil
}
