package batch

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"docbatch/internal/archive"
	"docbatch/internal/queue"
)

// memStore is an in-memory Store used to exercise the pipeline without a
// database. The mutex stands in for the store's strong consistency; the
// conditional transition is atomic under it, exactly like the SQL variant.
type memStore struct {
	mu            sync.Mutex
	batches       map[string]*Batch
	documents     []*Document
	nextDocID     int64
	completeCalls int
}

func newMemStore() *memStore {
	return &memStore{batches: make(map[string]*Batch)}
}

func (s *memStore) CreateBatch(_ context.Context, b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *b
	s.batches[b.ID] = &copied
	return nil
}

func (s *memStore) GetBatch(_ context.Context, id string) (*Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, ErrBatchNotFound
	}
	copied := *b
	return &copied, nil
}

func (s *memStore) UpdateBatchStatus(_ context.Context, id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return ErrBatchNotFound
	}
	b.Status = status
	return nil
}

func (s *memStore) UpdateBatchStatusIf(_ context.Context, id string, from, to Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok || b.Status != from {
		return false, nil
	}
	b.Status = to
	return true, nil
}

func (s *memStore) CompleteBatch(_ context.Context, id string, resultPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return ErrBatchNotFound
	}
	if b.Status != StatusFinalizing {
		return fmt.Errorf("complete batch %s: not in %s", id, StatusFinalizing)
	}
	b.Status = StatusCompleted
	b.ResultArchivePath = resultPath
	s.completeCalls++
	return nil
}

func (s *memStore) CreateDocument(_ context.Context, d *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextDocID++
	d.ID = s.nextDocID
	copied := *d
	s.documents = append(s.documents, &copied)
	return nil
}

func (s *memStore) ListDocuments(_ context.Context, batchID string) ([]Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Document
	for _, d := range s.documents {
		if d.BatchID == batchID {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (s *memStore) UpdateDocument(_ context.Context, id int64, status DocumentStatus, outputPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.documents {
		if d.ID == id {
			d.Status = status
			d.OutputPath = outputPath
			return nil
		}
	}
	return errors.New("document not found")
}

func (s *memStore) CountDocuments(_ context.Context, batchID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, d := range s.documents {
		if d.BatchID == batchID {
			n++
		}
	}
	return n, nil
}

func (s *memStore) CountDocumentsByStatus(_ context.Context, batchID string, status DocumentStatus) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, d := range s.documents {
		if d.BatchID == batchID && d.Status == status {
			n++
		}
	}
	return n, nil
}

var _ Store = (*memStore)(nil)

// fakeConverter writes a marker output file, or fails for configured names.
type fakeConverter struct {
	mu        sync.Mutex
	failNames map[string]bool
	calls     int
}

func (f *fakeConverter) Convert(_ context.Context, inputPath, outputPath string) error {
	f.mu.Lock()
	f.calls++
	fail := f.failNames[filepath.Base(inputPath)]
	f.mu.Unlock()
	if fail {
		return errors.New("converter unavailable")
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o750); err != nil {
		return err
	}
	return os.WriteFile(outputPath, []byte("converted:"+filepath.Base(inputPath)), 0o600)
}

type zipEntry struct {
	name string
	dir  bool
	body string
}

func writeTestZip(t *testing.T, path string, entries []zipEntry) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create zip: %v", err)
	}
	zw := zip.NewWriter(f)
	for _, e := range entries {
		name := e.name
		if e.dir {
			name += "/"
		}
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create entry %s: %v", name, err)
		}
		if !e.dir {
			if _, err := w.Write([]byte(e.body)); err != nil {
				t.Fatalf("write entry %s: %v", name, err)
			}
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip writer: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close zip file: %v", err)
	}
}

type testPipeline struct {
	p     *Pipeline
	store *memStore
	queue *queue.Memory
	conv  *fakeConverter
}

func newTestPipeline(t *testing.T) *testPipeline {
	t.Helper()
	st := newMemStore()
	q := queue.NewMemory()
	conv := &fakeConverter{failNames: make(map[string]bool)}
	p := NewPipeline(st, q, conv, Options{
		DataDir:         t.TempDir(),
		SourceExtension: ".docx",
		TargetExtension: ".pdf",
	})
	return &testPipeline{p: p, store: st, queue: q, conv: conv}
}

// seedBatch writes the archive into the batch layout and records the batch
// the way the upload path does.
func (tp *testPipeline) seedBatch(t *testing.T, batchID string, entries []zipEntry) ExpandItem {
	t.Helper()
	archivePath := tp.p.layout.SourceArchivePath(batchID)
	writeTestZip(t, archivePath, entries)
	if err := tp.store.CreateBatch(context.Background(), &Batch{
		ID:                batchID,
		Status:            StatusPending,
		SourceArchivePath: archivePath,
	}); err != nil {
		t.Fatalf("create batch: %v", err)
	}
	return ExpandItem{BatchID: batchID, ArchivePath: archivePath}
}

// drainConversions runs every queued convert-document item through the
// conversion stage and returns the handler errors in delivery order.
func (tp *testPipeline) drainConversions(t *testing.T) []error {
	t.Helper()
	var errs []error
	for {
		payload, ok := tp.queue.Pop(ChannelConvertDocument)
		if !ok {
			return errs
		}
		errs = append(errs, tp.p.HandleConvertItem(context.Background(), payload))
	}
}

func (tp *testPipeline) assertResultInvariant(t *testing.T, batchID string) *Batch {
	t.Helper()
	b, err := tp.store.GetBatch(context.Background(), batchID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	hasResult := b.ResultArchivePath != ""
	if hasResult != (b.Status == StatusCompleted) {
		t.Fatalf("result path set iff COMPLETED violated: %+v", b)
	}
	return b
}

var mixedEntries = []zipEntry{
	{name: "one.docx", body: "1"},
	{name: "sub", dir: true},
	{name: "sub/two.docx", body: "2"},
	{name: "three.docx", body: "3"},
	{name: "._hidden.docx", body: "junk"},
	{name: "__MACOSX/one.docx", body: "junk"},
	{name: "notes.txt", body: "skip"},
}

func TestExpandCreatesDocumentsAndFansOut(t *testing.T) {
	tp := newTestPipeline(t)
	item := tp.seedBatch(t, "b1", mixedEntries)

	if err := tp.p.ExpandBatch(context.Background(), item); err != nil {
		t.Fatalf("expand: %v", err)
	}

	docs, _ := tp.store.ListDocuments(context.Background(), "b1")
	if len(docs) != 3 {
		t.Fatalf("expected 3 documents, got %d: %+v", len(docs), docs)
	}
	wantNames := []string{"one.docx", "sub/two.docx", "three.docx"}
	for i, want := range wantNames {
		if docs[i].Name != want || docs[i].Status != DocumentPending {
			t.Fatalf("document %d: got %+v want name %s", i, docs[i], want)
		}
	}

	if n := tp.queue.Len(ChannelConvertDocument); n != 3 {
		t.Fatalf("expected 3 convert items enqueued, got %d", n)
	}

	b := tp.assertResultInvariant(t, "b1")
	if b.Status != StatusUnzipped {
		t.Fatalf("expected UNZIPPED, got %s", b.Status)
	}

	// extraction mirrors the archive, eligible or not
	for _, name := range []string{"one.docx", "sub/two.docx", "notes.txt"} {
		if _, err := os.Stat(filepath.Join(tp.p.layout.FilesDir("b1"), filepath.FromSlash(name))); err != nil {
			t.Fatalf("expected %s extracted: %v", name, err)
		}
	}
}

func TestExpandIsIdempotentUnderRedelivery(t *testing.T) {
	tp := newTestPipeline(t)
	item := tp.seedBatch(t, "b1", mixedEntries)

	if err := tp.p.ExpandBatch(context.Background(), item); err != nil {
		t.Fatalf("first expand: %v", err)
	}
	if err := tp.p.ExpandBatch(context.Background(), item); err != nil {
		t.Fatalf("redelivered expand: %v", err)
	}

	docs, _ := tp.store.ListDocuments(context.Background(), "b1")
	if len(docs) != 3 {
		t.Fatalf("re-delivery must not duplicate documents, got %d", len(docs))
	}
	if n := tp.queue.Len(ChannelConvertDocument); n != 3 {
		t.Fatalf("re-delivery must not duplicate work items, got %d", n)
	}
}

func TestExpandCorruptArchiveFailsBatch(t *testing.T) {
	tp := newTestPipeline(t)
	archivePath := tp.p.layout.SourceArchivePath("b1")
	if err := os.MkdirAll(filepath.Dir(archivePath), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(archivePath, []byte("not a zip"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = tp.store.CreateBatch(context.Background(), &Batch{ID: "b1", Status: StatusPending, SourceArchivePath: archivePath})

	err := tp.p.ExpandBatch(context.Background(), ExpandItem{BatchID: "b1", ArchivePath: archivePath})
	if !errors.Is(err, archive.ErrUnreadable) {
		t.Fatalf("expected unreadable archive error to propagate, got %v", err)
	}

	b := tp.assertResultInvariant(t, "b1")
	if b.Status != StatusFailed {
		t.Fatalf("expected FAILED, got %s", b.Status)
	}
	if docs, _ := tp.store.ListDocuments(context.Background(), "b1"); len(docs) != 0 {
		t.Fatalf("expected no documents, got %d", len(docs))
	}
	if n := tp.queue.Len(ChannelConvertDocument); n != 0 {
		t.Fatalf("expected no convert items, got %d", n)
	}

	// re-delivery of the failed item is dropped, not retried
	if err := tp.p.ExpandBatch(context.Background(), ExpandItem{BatchID: "b1", ArchivePath: archivePath}); err != nil {
		t.Fatalf("redelivery for a settled batch must no-op, got %v", err)
	}
	if b := tp.assertResultInvariant(t, "b1"); b.Status != StatusFailed {
		t.Fatalf("settled batch must stay FAILED, got %s", b.Status)
	}
}

func TestExpandZeroEligibleFinalizesEmptyResult(t *testing.T) {
	tp := newTestPipeline(t)
	item := tp.seedBatch(t, "b1", []zipEntry{
		{name: "readme.txt", body: "nothing to convert"},
	})

	if err := tp.p.ExpandBatch(context.Background(), item); err != nil {
		t.Fatalf("expand: %v", err)
	}

	b := tp.assertResultInvariant(t, "b1")
	if b.Status != StatusCompleted {
		t.Fatalf("zero-eligible batch must complete, got %s", b.Status)
	}
	entries, err := archive.List(b.ResultArchivePath)
	if err != nil {
		t.Fatalf("open result archive: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty result archive, got %+v", entries)
	}
}

func TestFullConversionFlow(t *testing.T) {
	tp := newTestPipeline(t)
	item := tp.seedBatch(t, "b1", mixedEntries)

	if err := tp.p.ExpandBatch(context.Background(), item); err != nil {
		t.Fatalf("expand: %v", err)
	}
	for _, err := range tp.drainConversions(t) {
		if err != nil {
			t.Fatalf("conversion handler: %v", err)
		}
	}

	b := tp.assertResultInvariant(t, "b1")
	if b.Status != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", b.Status)
	}

	docs, _ := tp.store.ListDocuments(context.Background(), "b1")
	for _, d := range docs {
		if d.Status != DocumentCompleted {
			t.Fatalf("expected all documents completed: %+v", d)
		}
		if !strings.HasSuffix(d.OutputPath, ".pdf") {
			t.Fatalf("expected target extension on output: %+v", d)
		}
	}

	entries, err := archive.List(b.ResultArchivePath)
	if err != nil {
		t.Fatalf("open result archive: %v", err)
	}
	got := make(map[string]bool, len(entries))
	for _, e := range entries {
		got[e.Name] = true
	}
	for _, want := range []string{"one.pdf", "sub/two.pdf", "three.pdf"} {
		if !got[want] {
			t.Fatalf("result archive missing %s: %+v", want, entries)
		}
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 result entries, got %d", len(entries))
	}
}

func TestPartialFailureStillCompletes(t *testing.T) {
	tp := newTestPipeline(t)
	item := tp.seedBatch(t, "b1", mixedEntries)
	tp.conv.failNames["two.docx"] = true

	if err := tp.p.ExpandBatch(context.Background(), item); err != nil {
		t.Fatalf("expand: %v", err)
	}

	errs := tp.drainConversions(t)
	failures := 0
	for _, err := range errs {
		if err != nil {
			failures++
		}
	}
	if failures != 1 {
		t.Fatalf("expected exactly one failing handler for queue retry, got %d", failures)
	}

	b := tp.assertResultInvariant(t, "b1")
	if b.Status != StatusCompleted {
		t.Fatalf("partial failure must still complete the batch, got %s", b.Status)
	}

	entries, err := archive.List(b.ResultArchivePath)
	if err != nil {
		t.Fatalf("open result archive: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 result entries, got %+v", entries)
	}

	docs, _ := tp.store.ListDocuments(context.Background(), "b1")
	failedDocs := 0
	for _, d := range docs {
		if d.Status == DocumentFailed {
			failedDocs++
			if d.OutputPath != "" {
				t.Fatalf("failed document must not record an output path: %+v", d)
			}
		}
	}
	if failedDocs != 1 {
		t.Fatalf("expected 1 failed document, got %d", failedDocs)
	}
}

func TestFinalizationRunsAtMostOnce(t *testing.T) {
	tp := newTestPipeline(t)
	ctx := context.Background()

	outputDir := tp.p.layout.OutputDir("b1")
	_ = tp.store.CreateBatch(ctx, &Batch{ID: "b1", Status: StatusUnzipped})
	for i := 0; i < 4; i++ {
		name := fmt.Sprintf("doc-%d.docx", i)
		outPath := filepath.Join(outputDir, fmt.Sprintf("doc-%d.pdf", i))
		if err := os.MkdirAll(outputDir, 0o750); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(outPath, []byte("converted"), 0o600); err != nil {
			t.Fatalf("write output: %v", err)
		}
		doc := &Document{BatchID: "b1", Name: name, Status: DocumentCompleted, OutputPath: outPath}
		if err := tp.store.CreateDocument(ctx, doc); err != nil {
			t.Fatalf("create document: %v", err)
		}
	}

	// every conversion finishing "at the same instant" asks the same question
	const detectors = 16
	var wg sync.WaitGroup
	for i := 0; i < detectors; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := tp.p.CheckCompletion(ctx, "b1"); err != nil {
				t.Errorf("check completion: %v", err)
			}
		}()
	}
	wg.Wait()

	tp.store.mu.Lock()
	completeCalls := tp.store.completeCalls
	tp.store.mu.Unlock()
	if completeCalls != 1 {
		t.Fatalf("finalization must run exactly once, ran %d times", completeCalls)
	}

	b := tp.assertResultInvariant(t, "b1")
	if b.Status != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", b.Status)
	}
	entries, err := archive.List(b.ResultArchivePath)
	if err != nil {
		t.Fatalf("open result archive: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected 4 result entries, got %d", len(entries))
	}
}

func TestDetectorNoopsWhileConversionsPending(t *testing.T) {
	tp := newTestPipeline(t)
	ctx := context.Background()

	_ = tp.store.CreateBatch(ctx, &Batch{ID: "b1", Status: StatusUnzipped})
	_ = tp.store.CreateDocument(ctx, &Document{BatchID: "b1", Name: "a.docx", Status: DocumentPending})

	if err := tp.p.CheckCompletion(ctx, "b1"); err != nil {
		t.Fatalf("check completion: %v", err)
	}

	b := tp.assertResultInvariant(t, "b1")
	if b.Status != StatusUnzipped {
		t.Fatalf("detector must not touch a batch with pending documents, got %s", b.Status)
	}
}
