package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"docbatch/internal/queue"
)

// Converter turns one source document into one converted output file.
type Converter interface {
	Convert(ctx context.Context, inputPath, outputPath string) error
}

// Pipeline runs the two-stage conversion flow: expansion of a submitted
// archive into per-document work, conversion of each document, and
// race-safe completion detection with result re-packaging. All collaborators
// are injected so tests can substitute in-memory fakes.
type Pipeline struct {
	store     Store
	queue     queue.Enqueuer
	converter Converter
	layout    Layout
	sourceExt string
	targetExt string
}

func NewPipeline(store Store, q queue.Enqueuer, converter Converter, opts Options) *Pipeline {
	return &Pipeline{
		store:     store,
		queue:     q,
		converter: converter,
		layout:    Layout{DataDir: opts.DataDir},
		sourceExt: opts.SourceExtension,
		targetExt: opts.TargetExtension,
	}
}

// OutputName derives the converted filename by swapping the source extension
// for the target one, keeping any relative directories of the entry name.
func (p *Pipeline) OutputName(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name)) + p.targetExt
}

// HandleExpandItem adapts ExpandBatch to the queue handler signature.
func (p *Pipeline) HandleExpandItem(ctx context.Context, payload []byte) error {
	var item ExpandItem
	if err := json.Unmarshal(payload, &item); err != nil {
		return fmt.Errorf("decode expand item: %w", err)
	}
	return p.ExpandBatch(ctx, item)
}

// HandleConvertItem adapts ConvertDocument to the queue handler signature.
func (p *Pipeline) HandleConvertItem(ctx context.Context, payload []byte) error {
	var item ConvertItem
	if err := json.Unmarshal(payload, &item); err != nil {
		return fmt.Errorf("decode convert item: %w", err)
	}
	return p.ConvertDocument(ctx, item)
}
