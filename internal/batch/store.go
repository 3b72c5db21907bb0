package batch

import "context"

// Store abstracts the durable status store. It is the single source of truth
// and the only synchronization point between concurrent workers, so reads
// must observe prior committed writes from any worker. The default
// implementation is Postgres-backed (internal/store); tests use in-memory
// fakes.
type Store interface {
	CreateBatch(ctx context.Context, b *Batch) error
	GetBatch(ctx context.Context, id string) (*Batch, error)
	UpdateBatchStatus(ctx context.Context, id string, status Status) error
	// UpdateBatchStatusIf is the compare-and-set variant: the write happens
	// only while the batch is still in from, and at most one concurrent
	// caller making the same transition succeeds.
	UpdateBatchStatusIf(ctx context.Context, id string, from, to Status) (bool, error)
	// CompleteBatch moves a FINALIZING batch to COMPLETED and records the
	// result archive path in the same write.
	CompleteBatch(ctx context.Context, id string, resultPath string) error

	CreateDocument(ctx context.Context, d *Document) error
	ListDocuments(ctx context.Context, batchID string) ([]Document, error)
	UpdateDocument(ctx context.Context, id int64, status DocumentStatus, outputPath string) error
	CountDocuments(ctx context.Context, batchID string) (int64, error)
	CountDocumentsByStatus(ctx context.Context, batchID string, status DocumentStatus) (int64, error)
}
