package batch

import "time"

type Status string

const (
	StatusPending          Status = "PENDING"
	StatusUnzipped         Status = "UNZIPPED"
	StatusFinalizing       Status = "FINALIZING"
	StatusCompleted        Status = "COMPLETED"
	StatusFailed           Status = "FAILED"
	StatusFailedFinalizing Status = "FAILED_FINALIZING"
)

// Terminal reports whether no further transition can move the batch forward.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusFailedFinalizing
}

type DocumentStatus string

const (
	DocumentPending   DocumentStatus = "PENDING"
	DocumentCompleted DocumentStatus = "COMPLETED"
	DocumentFailed    DocumentStatus = "FAILED"
)

// Batch is one submitted archive and its end-to-end conversion unit of work.
// ResultArchivePath is set exactly when Status is COMPLETED.
type Batch struct {
	ID                string    `gorm:"primaryKey" json:"id"`
	Status            Status    `gorm:"index" json:"status"`
	SourceArchivePath string    `json:"source_archive_path"`
	ResultArchivePath string    `json:"result_archive_path,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// Document is one eligible file extracted from a batch archive, converted
// independently of its siblings.
type Document struct {
	ID         int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	BatchID    string         `gorm:"index" json:"batch_id"`
	Name       string         `json:"name"`
	Status     DocumentStatus `gorm:"index" json:"status"`
	OutputPath string         `json:"output_path,omitempty"`
}

// Queue channel names, one per work item type.
const (
	ChannelExpandBatch     = "expand-batch"
	ChannelConvertDocument = "convert-document"
)

// ExpandItem is the payload of an expand-batch work item.
type ExpandItem struct {
	BatchID     string `json:"batch_id"`
	ArchivePath string `json:"archive_path"`
}

// ConvertItem is the payload of a convert-document work item.
type ConvertItem struct {
	DocumentID int64  `json:"document_id"`
	BatchID    string `json:"batch_id"`
	InputPath  string `json:"input_path"`
	OutputDir  string `json:"output_dir"`
	Name       string `json:"name"`
}

type Options struct {
	DataDir         string
	SourceExtension string
	TargetExtension string
}
