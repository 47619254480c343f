// Package objectstore implements the "object-store" StorageTarget kind:
// Arrow IPC partition files written to an S3-compatible bucket via
// aws-sdk-go-v2. The dependency is declared directly in the wider module's
// dependency stack; this package is its only call site.
package objectstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/malbeclabs/timestore/internal/model"
	"github.com/malbeclabs/timestore/internal/storage"
	"github.com/malbeclabs/timestore/internal/storage/arrowcodec"
)

// Uploader is the subset of *s3.Client this package needs, so tests can
// supply a fake without standing up a real bucket.
type Uploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Driver struct {
	log        *slog.Logger
	client     Uploader
	bucket     string
	keyPrefix  string
}

// Config is read from StorageTarget.Config: {"bucket": "...", "keyPrefix":
// "...", "region": "...", "endpoint": "..."} (endpoint/region optional,
// for S3-compatible stores such as MinIO).
type Config struct {
	Bucket    string
	KeyPrefix string
	Region    string
	Endpoint  string
}

func configLoadOptions(cfg Config) []func(*config.LoadOptions) error {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	return opts
}

func New(ctx context.Context, log *slog.Logger, cfg Config) (*Driver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("object-store target config missing bucket")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, configLoadOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	log.Info("object-store driver initialized", "bucket", cfg.Bucket, "region", cfg.Region)

	return &Driver{log: log, client: client, bucket: cfg.Bucket, keyPrefix: cfg.KeyPrefix}, nil
}

// NewWithClient is the seam used by tests and by New above.
func NewWithClient(log *slog.Logger, client Uploader, bucket, keyPrefix string) *Driver {
	return &Driver{log: log, client: client, bucket: bucket, keyPrefix: keyPrefix}
}

func (d *Driver) Kind() model.StorageTargetKind { return model.StorageKindObjectStore }

func (d *Driver) WritePartition(ctx context.Context, req storage.WriteRequest) (storage.WriteResult, error) {
	encoded, err := arrowcodec.Encode(req.Schema, toArrowRows(req.Rows))
	if err != nil {
		return storage.WriteResult{}, fmt.Errorf("encoding partition: %w", err)
	}

	key := d.objectKey(req)

	_, err = d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(encoded),
	})
	if err != nil {
		return storage.WriteResult{}, fmt.Errorf("uploading partition object: %w", err)
	}

	sum := sha256.Sum256(encoded)

	d.log.Debug("wrote object-store partition", "dataset", req.Dataset.Slug, "bucket", d.bucket, "key", key, "rows", len(req.Rows))

	return storage.WriteResult{
		FileFormat:         "arrow-ipc",
		FilePath:           fmt.Sprintf("s3://%s/%s", d.bucket, key),
		FileSizeBytes:      int64(len(encoded)),
		RowCount:           int64(len(req.Rows)),
		Checksum:           hex.EncodeToString(sum[:]),
		ColumnStatistics:   storage.ColumnStatistics(req.Schema, req.Rows),
		ColumnBloomFilters: storage.ColumnBloomFilters(req.Schema, req.Rows),
	}, nil
}

func (d *Driver) objectKey(req storage.WriteRequest) string {
	parts := []string{}
	if d.keyPrefix != "" {
		parts = append(parts, strings.Trim(d.keyPrefix, "/"))
	}
	parts = append(parts, req.Dataset.Slug)
	parts = append(parts, partitionKeyParts(req.PartitionKey)...)
	parts = append(parts, uuid.NewString()+".arrow")
	return strings.Join(parts, "/")
}

func partitionKeyParts(key map[string]string) []string {
	if len(key) == 0 {
		return []string{"unkeyed"}
	}
	names := make([]string, 0, len(key))
	for k := range key {
		names = append(names, k)
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, k := range names {
		out = append(out, fmt.Sprintf("%s=%s", k, key[k]))
	}
	return out
}

func toArrowRows(rows []storage.Row) []arrowcodec.Row {
	out := make([]arrowcodec.Row, len(rows))
	for i, r := range rows {
		out[i] = arrowcodec.Row(r)
	}
	return out
}
