package batch

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"docbatch/internal/archive"
)

// CheckCompletion decides whether the batch is done and, race-safely,
// finalizes it. Many conversions can finish near-simultaneously and each
// asks this question after its own status write; the conditional
// UNZIPPED -> FINALIZING transition lets exactly one of them proceed.
// Losing that claim is a no-op, not an error.
func (p *Pipeline) CheckCompletion(ctx context.Context, batchID string) error {
	pending, err := p.store.CountDocumentsByStatus(ctx, batchID, DocumentPending)
	if err != nil {
		return fmt.Errorf("count pending documents: %w", err)
	}
	if pending > 0 {
		return nil
	}

	won, err := p.store.UpdateBatchStatusIf(ctx, batchID, StatusUnzipped, StatusFinalizing)
	if err != nil {
		return fmt.Errorf("claim finalization: %w", err)
	}
	if !won {
		// Another worker holds the claim, already finalized, or the batch is
		// not ready yet.
		return nil
	}

	if err := p.finalize(ctx, batchID); err != nil {
		log.Error().Str("batch_id", batchID).Err(err).Msg("finalization failed")
		if uerr := p.store.UpdateBatchStatus(ctx, batchID, StatusFailedFinalizing); uerr != nil {
			log.Error().Str("batch_id", batchID).Err(uerr).Msg("recording finalization failure failed")
		}
		// FAILED_FINALIZING is terminal; not re-raised to the queue.
		return nil
	}
	return nil
}

// finalize gathers the outputs of completed documents, packages them into
// the result archive and marks the batch COMPLETED. Documents left FAILED
// are omitted, not retried.
func (p *Pipeline) finalize(ctx context.Context, batchID string) error {
	docs, err := p.store.ListDocuments(ctx, batchID)
	if err != nil {
		return fmt.Errorf("list documents: %w", err)
	}

	outputDir := p.layout.OutputDir(batchID)
	files := make([]archive.File, 0, len(docs))
	for _, doc := range docs {
		if doc.Status != DocumentCompleted {
			continue
		}
		entryName, err := filepath.Rel(outputDir, doc.OutputPath)
		if err != nil || entryName == "" {
			entryName = filepath.Base(doc.OutputPath)
		}
		files = append(files, archive.File{Name: entryName, Path: doc.OutputPath})
	}

	resultPath := p.layout.ResultArchivePath(batchID)
	if err := archive.Build(resultPath, files); err != nil {
		return fmt.Errorf("build result archive: %w", err)
	}
	if err := p.store.CompleteBatch(ctx, batchID, resultPath); err != nil {
		return fmt.Errorf("mark batch completed: %w", err)
	}
	log.Info().Str("batch_id", batchID).Int("files", len(files)).Str("result", resultPath).Msg("batch completed")
	return nil
}
