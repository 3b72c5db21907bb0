package batch

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"docbatch/internal/archive"
)

// ExpandBatch consumes one expand-batch work item: it unpacks the archive
// into the batch working directory, records one document per eligible entry
// and fans out convert-document work items. Failures mark the batch FAILED
// and are re-raised so the queue's retry policy can apply.
//
// The handler is safe under re-delivery: items for settled batches are
// dropped, and if documents already exist the document set is not recreated.
func (p *Pipeline) ExpandBatch(ctx context.Context, item ExpandItem) error {
	logger := log.With().Str("batch_id", item.BatchID).Logger()

	b, err := p.store.GetBatch(ctx, item.BatchID)
	if err != nil {
		return fmt.Errorf("load batch: %w", err)
	}
	if b.Status.Terminal() {
		logger.Info().Str("status", string(b.Status)).Msg("batch already settled, dropping expand item")
		return nil
	}

	existing, err := p.store.CountDocuments(ctx, item.BatchID)
	if err != nil {
		return fmt.Errorf("count documents: %w", err)
	}
	if existing > 0 {
		logger.Info().Int64("documents", existing).Msg("batch already expanded, skipping extraction")
		return p.markUnzipped(ctx, item.BatchID)
	}

	filesDir := p.layout.FilesDir(item.BatchID)
	outputDir := p.layout.OutputDir(item.BatchID)

	// All entries are extracted so the working directory mirrors the upload;
	// only eligible ones become documents.
	entries, err := archive.ExtractAll(item.ArchivePath, filesDir)
	if err != nil {
		p.failBatch(ctx, item.BatchID, err)
		return fmt.Errorf("expand batch %s: %w", item.BatchID, err)
	}

	filter := archive.Filter{SourceExtension: p.sourceExt}
	queued := 0
	for _, entry := range entries {
		if !filter.Eligible(entry) {
			continue
		}
		doc := &Document{
			BatchID: item.BatchID,
			Name:    entry.Name,
			Status:  DocumentPending,
		}
		if err := p.store.CreateDocument(ctx, doc); err != nil {
			p.failBatch(ctx, item.BatchID, err)
			return fmt.Errorf("create document %s: %w", entry.Name, err)
		}
		convertItem := ConvertItem{
			DocumentID: doc.ID,
			BatchID:    item.BatchID,
			InputPath:  filepath.Join(filesDir, filepath.FromSlash(entry.Name)),
			OutputDir:  outputDir,
			Name:       entry.Name,
		}
		if err := p.queue.Enqueue(ctx, ChannelConvertDocument, convertItem); err != nil {
			p.failBatch(ctx, item.BatchID, err)
			return fmt.Errorf("enqueue conversion of %s: %w", entry.Name, err)
		}
		queued++
	}

	logger.Info().Int("documents", queued).Msg("batch expanded")
	return p.markUnzipped(ctx, item.BatchID)
}

func (p *Pipeline) markUnzipped(ctx context.Context, batchID string) error {
	if _, err := p.store.UpdateBatchStatusIf(ctx, batchID, StatusPending, StatusUnzipped); err != nil {
		return fmt.Errorf("mark batch unzipped: %w", err)
	}
	// Run the completion check once here as well: it finalizes batches with
	// zero eligible entries, and it closes the window where every conversion
	// finished before the UNZIPPED write landed.
	return p.CheckCompletion(ctx, batchID)
}

func (p *Pipeline) failBatch(ctx context.Context, batchID string, cause error) {
	log.Error().Str("batch_id", batchID).Err(cause).Msg("batch expansion failed")
	if err := p.store.UpdateBatchStatus(ctx, batchID, StatusFailed); err != nil {
		log.Error().Str("batch_id", batchID).Err(err).Msg("recording batch failure failed")
	}
}
