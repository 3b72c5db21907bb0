package batch

import "path/filepath"

// Layout maps a batch to its working directory tree under the data dir:
// <data_dir>/<batch_id>/{input/upload.zip, files/, output/, result.zip}.
type Layout struct {
	DataDir string
}

func (l Layout) BatchDir(batchID string) string {
	return filepath.Join(l.DataDir, batchID)
}

// SourceArchivePath is where the uploaded archive is stored.
func (l Layout) SourceArchivePath(batchID string) string {
	return filepath.Join(l.BatchDir(batchID), "input", "upload.zip")
}

// FilesDir holds the extracted archive contents.
func (l Layout) FilesDir(batchID string) string {
	return filepath.Join(l.BatchDir(batchID), "files")
}

// OutputDir holds converted documents.
func (l Layout) OutputDir(batchID string) string {
	return filepath.Join(l.BatchDir(batchID), "output")
}

// ResultArchivePath is where the finalizer writes the result archive.
func (l Layout) ResultArchivePath(batchID string) string {
	return filepath.Join(l.BatchDir(batchID), "result.zip")
}
