// Package localfile implements the "local-file" StorageTarget kind: Arrow
// IPC partition files written under a root directory on local/attached disk.
package localfile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/malbeclabs/timestore/internal/model"
	"github.com/malbeclabs/timestore/internal/storage"
	"github.com/malbeclabs/timestore/internal/storage/arrowcodec"
)

// Driver writes partition files beneath RootDir, laid out as
// <slug>/<partitionKey...>/<uuid>.arrow so that filesystem-level tooling
// (rsync, find, backup jobs) can navigate partitions without a catalog.
type Driver struct {
	log     *slog.Logger
	rootDir string
}

func New(log *slog.Logger, rootDir string) *Driver {
	return &Driver{log: log, rootDir: rootDir}
}

func (d *Driver) Kind() model.StorageTargetKind { return model.StorageKindLocalFile }

func (d *Driver) WritePartition(ctx context.Context, req storage.WriteRequest) (storage.WriteResult, error) {
	encoded, err := arrowcodec.Encode(req.Schema, toArrowRows(req.Rows))
	if err != nil {
		return storage.WriteResult{}, fmt.Errorf("encoding partition: %w", err)
	}

	dir := filepath.Join(d.rootDir, req.Dataset.Slug, partitionSubpath(req.PartitionKey))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return storage.WriteResult{}, fmt.Errorf("creating partition directory: %w", err)
	}

	fileName := uuid.NewString() + ".arrow"
	path := filepath.Join(dir, fileName)

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, encoded, 0o644); err != nil {
		return storage.WriteResult{}, fmt.Errorf("writing partition file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return storage.WriteResult{}, fmt.Errorf("finalizing partition file: %w", err)
	}

	sum := sha256.Sum256(encoded)

	d.log.Debug("wrote local-file partition", "dataset", req.Dataset.Slug, "path", path, "rows", len(req.Rows))

	return storage.WriteResult{
		FileFormat:         "arrow-ipc",
		FilePath:           path,
		FileSizeBytes:      int64(len(encoded)),
		RowCount:           int64(len(req.Rows)),
		Checksum:           hex.EncodeToString(sum[:]),
		ColumnStatistics:   storage.ColumnStatistics(req.Schema, req.Rows),
		ColumnBloomFilters: storage.ColumnBloomFilters(req.Schema, req.Rows),
	}, nil
}

func partitionSubpath(key map[string]string) string {
	if len(key) == 0 {
		return "unkeyed"
	}
	names := make([]string, 0, len(key))
	for k := range key {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, k := range names {
		parts = append(parts, fmt.Sprintf("%s=%s", sanitize(k), sanitize(key[k])))
	}
	return filepath.Join(parts...)
}

func sanitize(s string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", "..", "_")
	return replacer.Replace(s)
}

func toArrowRows(rows []storage.Row) []arrowcodec.Row {
	out := make([]arrowcodec.Row, len(rows))
	for i, r := range rows {
		out[i] = arrowcodec.Row(r)
	}
	return out
}
