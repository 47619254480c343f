// Package events models the event bus Timestore publishes to as an external
// collaborator (spec.md treats the bus itself as out of scope), and ships
// an in-process implementation for single-binary deployments and tests.
package events

import (
	"context"
	"log/slog"
	"sync"
)

const (
	TopicPartitionCreated        = "partition.created"
	TopicSchemaEvolved           = "schema.evolved"
	TopicSchemaBackfillRequested = "schema.backfill.requested"
	TopicStreamingWatermarkUpdated = "streaming.watermark.updated"
)

// PartitionCreated is the payload for TopicPartitionCreated.
type PartitionCreated struct {
	DatasetID       string            `json:"datasetId"`
	DatasetSlug     string            `json:"datasetSlug"`
	ManifestID      string            `json:"manifestId"`
	PartitionID     string            `json:"partitionId"`
	PartitionKey    map[string]string `json:"partitionKey"`
	StorageTargetID string            `json:"storageTargetId"`
	FilePath        string            `json:"filePath"`
	RowCount        int64             `json:"rowCount"`
	FileSizeBytes   int64             `json:"fileSizeBytes"`
	Checksum        string            `json:"checksum,omitempty"`
	ReceivedAt      string            `json:"receivedAt"`
}

// SchemaEvolved is the payload for TopicSchemaEvolved.
type SchemaEvolved struct {
	DatasetID          string   `json:"datasetId"`
	DatasetSlug        string   `json:"datasetSlug"`
	ManifestID         string   `json:"manifestId"`
	PreviousManifestID *string  `json:"previousManifestId,omitempty"`
	SchemaVersionID    string   `json:"schemaVersionId"`
	AddedColumns       []string `json:"addedColumns"`
}

// SchemaBackfillRequested is the payload for TopicSchemaBackfillRequested.
type SchemaBackfillRequested struct {
	SchemaEvolved
	Defaults map[string]any `json:"defaults"`
}

// WatermarkUpdated is the payload for TopicStreamingWatermarkUpdated.
type WatermarkUpdated struct {
	ConnectorID      string `json:"connectorId"`
	DatasetID        string `json:"datasetId"`
	DatasetSlug      string `json:"datasetSlug"`
	SealedThrough    string `json:"sealedThrough"`
	BacklogLagMs     int64  `json:"backlogLagMs"`
	RecordsProcessed int64  `json:"recordsProcessed"`
}

// Bus is the interface Timestore's core consumes. A real deployment swaps
// in a Kafka/NATS-backed implementation without touching the Ingestion
// Processor or the Streaming Micro-Batcher.
type Bus interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// InProcess is a buffered-channel fan-out bus for single-binary deployments
// and tests. Publish never blocks the caller for long: each subscriber has
// its own bounded channel, and a slow subscriber only drops its own events.
type InProcess struct {
	log *slog.Logger

	mu          sync.RWMutex
	subscribers map[string][]chan Envelope
}

// Envelope pairs a topic with its payload for subscribers that listen
// across multiple topics.
type Envelope struct {
	Topic   string
	Payload any
}

func NewInProcess(log *slog.Logger) *InProcess {
	return &InProcess{log: log, subscribers: make(map[string][]chan Envelope)}
}

func (b *InProcess) Publish(ctx context.Context, topic string, payload any) error {
	b.mu.RLock()
	subs := append([]chan Envelope(nil), b.subscribers[topic]...)
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- Envelope{Topic: topic, Payload: payload}:
		default:
			b.log.Warn("events: dropping event for slow subscriber", "topic", topic)
		}
	}
	return nil
}

// Subscribe returns a channel that receives every Envelope published to
// topic, buffered to bufSize so a momentarily slow consumer doesn't stall
// publishers.
func (b *InProcess) Subscribe(topic string, bufSize int) <-chan Envelope {
	ch := make(chan Envelope, bufSize)
	b.mu.Lock()
	b.subscribers[topic] = append(b.subscribers[topic], ch)
	b.mu.Unlock()
	return ch
}
