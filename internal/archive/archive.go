package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnreadable marks archives that cannot be opened or parsed.
var ErrUnreadable = errors.New("archive unreadable")

const (
	archiveDirPerm  os.FileMode = 0o750
	archiveFilePerm os.FileMode = 0o640

	// Entries produced by macOS zip tooling, never real documents.
	metadataPrefix   = "__MACOSX/"
	hiddenNamePrefix = "._"
)

// Entry describes one archive entry as enumerated by the codec.
type Entry struct {
	Name string
	Dir  bool
}

// File is one named payload to include in a result archive.
type File struct {
	Name string
	Path string
}

// Filter decides which archive entries are eligible source documents.
type Filter struct {
	SourceExtension string
}

// Eligible reports whether the entry is a real file, outside reserved
// metadata paths, not a hidden-file artifact, and of the source type.
func (f Filter) Eligible(e Entry) bool {
	if e.Dir {
		return false
	}
	if strings.HasPrefix(e.Name, metadataPrefix) {
		return false
	}
	if strings.HasPrefix(filepath.Base(e.Name), hiddenNamePrefix) {
		return false
	}
	return strings.EqualFold(filepath.Ext(e.Name), f.SourceExtension)
}

// List enumerates the entries of the zip archive at path.
func List(path string) ([]Entry, error) {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnreadable, err)
	}
	defer func() { _ = reader.Close() }()

	entries := make([]Entry, 0, len(reader.File))
	for _, zf := range reader.File {
		entries = append(entries, Entry{Name: zf.Name, Dir: zf.FileInfo().IsDir()})
	}
	return entries, nil
}

// CountEligible counts entries of the archive passing the filter.
func CountEligible(path string, filter Filter) (int, error) {
	entries, err := List(path)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, e := range entries {
		if filter.Eligible(e) {
			count++
		}
	}
	return count, nil
}

// ExtractAll unpacks every entry of the archive at path into destDir,
// preserving relative paths, and returns the entries in archive order.
// All entries are extracted, not only eligible ones, so the working
// directory mirrors the original content.
func ExtractAll(path, destDir string) ([]Entry, error) {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnreadable, err)
	}
	defer func() { _ = reader.Close() }()

	entries := make([]Entry, 0, len(reader.File))
	for _, zf := range reader.File {
		entry := Entry{Name: zf.Name, Dir: zf.FileInfo().IsDir()}
		if err := extractEntry(zf, destDir); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func extractEntry(zf *zip.File, destDir string) error {
	target, err := securePath(destDir, zf.Name)
	if err != nil {
		return err
	}
	if zf.FileInfo().IsDir() {
		if err := os.MkdirAll(target, archiveDirPerm); err != nil {
			return fmt.Errorf("make dir %s: %w", zf.Name, err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(target), archiveDirPerm); err != nil {
		return fmt.Errorf("make parent dir for %s: %w", zf.Name, err)
	}

	src, err := zf.Open()
	if err != nil {
		return fmt.Errorf("%w: open entry %s: %s", ErrUnreadable, zf.Name, err)
	}
	defer func() { _ = src.Close() }()

	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, archiveFilePerm) //nolint:gosec // target validated by securePath
	if err != nil {
		return fmt.Errorf("create %s: %w", zf.Name, err)
	}
	if _, err := io.Copy(dst, src); err != nil { //nolint:gosec // sizes bounded by upload limits upstream
		_ = dst.Close()
		return fmt.Errorf("write %s: %w", zf.Name, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("close %s: %w", zf.Name, err)
	}
	return nil
}

// securePath joins name under destDir rejecting entries that would escape it.
func securePath(destDir, name string) (string, error) {
	target := filepath.Join(destDir, filepath.FromSlash(name))
	if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: entry %q escapes destination", ErrUnreadable, name)
	}
	return target, nil
}

// Build writes a zip archive at destZipPath containing the given files under
// their entry names. An empty file list yields a valid empty archive.
func Build(destZipPath string, files []File) error {
	if err := os.MkdirAll(filepath.Dir(destZipPath), archiveDirPerm); err != nil {
		return fmt.Errorf("ensure dir: %w", err)
	}
	zipFile, err := os.Create(destZipPath) //nolint:gosec // path is constructed by the application
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	zipWriter := zip.NewWriter(zipFile)

	for _, f := range files {
		if err := addFile(zipWriter, f); err != nil {
			_ = zipWriter.Close()
			_ = zipFile.Close()
			return err
		}
	}

	if err := zipWriter.Close(); err != nil {
		_ = zipFile.Close()
		return fmt.Errorf("close zip writer: %w", err)
	}
	if err := zipFile.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	return nil
}

func addFile(zipWriter *zip.Writer, f File) error {
	src, err := os.Open(f.Path) //nolint:gosec // path recorded by the conversion stage
	if err != nil {
		return fmt.Errorf("open %s: %w", f.Path, err)
	}
	defer func() { _ = src.Close() }()

	entryWriter, err := zipWriter.Create(filepath.ToSlash(f.Name))
	if err != nil {
		return fmt.Errorf("zip entry %s: %w", f.Name, err)
	}
	if _, err := io.Copy(entryWriter, src); err != nil {
		return fmt.Errorf("copy %s into zip: %w", f.Name, err)
	}
	return nil
}
