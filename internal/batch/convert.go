package batch

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// ConvertDocument consumes one convert-document work item: it sends the
// input file to the converter, records the per-document outcome and runs the
// completion check for the owning batch whether or not conversion succeeded.
// Re-delivery simply overwrites the prior status and output.
func (p *Pipeline) ConvertDocument(ctx context.Context, item ConvertItem) error {
	logger := log.With().
		Int64("document_id", item.DocumentID).
		Str("batch_id", item.BatchID).
		Str("name", item.Name).
		Logger()

	outputPath := filepath.Join(item.OutputDir, filepath.FromSlash(p.OutputName(item.Name)))

	convErr := p.converter.Convert(ctx, item.InputPath, outputPath)

	status := DocumentCompleted
	recordedPath := outputPath
	if convErr != nil {
		status = DocumentFailed
		recordedPath = ""
		logger.Warn().Err(convErr).Msg("conversion failed")
	} else {
		logger.Info().Str("output", outputPath).Msg("document converted")
	}

	if err := p.store.UpdateDocument(ctx, item.DocumentID, status, recordedPath); err != nil {
		return fmt.Errorf("record document outcome: %w", err)
	}

	// The status write above is committed before the detector counts, so the
	// count query observes a consistent store.
	if err := p.CheckCompletion(ctx, item.BatchID); err != nil {
		return err
	}

	if convErr != nil {
		return fmt.Errorf("convert %s: %w", item.Name, convErr)
	}
	return nil
}
