package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"docbatch/internal/archive"
	"docbatch/internal/batch"
	fileutil "docbatch/internal/file"
	"docbatch/internal/queue"
)

type createBatchResponse struct {
	BatchID   string `json:"batch_id"`
	FileCount int    `json:"file_count"`
	Message   string `json:"message"`
}

type documentResponse struct {
	ID     int64                `json:"id"`
	Name   string               `json:"name"`
	Status batch.DocumentStatus `json:"status"`
}

type batchResponse struct {
	ID        string             `json:"id"`
	Status    batch.Status       `json:"status"`
	CreatedAt string             `json:"created_at"`
	Documents []documentResponse `json:"documents"`
	ResultURL string             `json:"result_url,omitempty"`
}

// API is the HTTP front door: it accepts archive uploads, exposes batch
// status and serves result downloads. All conversion work happens in the
// worker process; the handlers only write the initial records and enqueue.
type API struct {
	store  batch.Store
	queue  queue.Enqueuer
	layout batch.Layout
	filter archive.Filter
}

func NewAPI(store batch.Store, q queue.Enqueuer, opts batch.Options) *API {
	return &API{
		store:  store,
		queue:  q,
		layout: batch.Layout{DataDir: opts.DataDir},
		filter: archive.Filter{SourceExtension: opts.SourceExtension},
	}
}

// RegisterRoutes registers API routes on the provided gin engine
func (a *API) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.POST("/batches", a.CreateBatch)
		api.GET("/batches/:id", a.GetBatch)
		api.GET("/batches/:id/result", a.DownloadResult)
	}
}

// CreateBatch accepts a multipart archive upload and starts the pipeline.
func (a *API) CreateBatch(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "please upload a file"})
		return
	}

	batchID := uuid.NewString()
	archivePath := a.layout.SourceArchivePath(batchID)

	upload, err := fileHeader.Open()
	if err != nil {
		log.Warn().Str("batch_id", batchID).Err(err).Msg("opening upload failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read upload"})
		return
	}
	defer func() { _ = upload.Close() }()

	if err := fileutil.CopyAtomic(archivePath, upload); err != nil {
		log.Error().Str("batch_id", batchID).Err(err).Msg("storing upload failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store upload"})
		return
	}

	// Eligible-entry count is informational only; an unreadable archive is
	// still accepted and fails during expansion.
	fileCount, err := archive.CountEligible(archivePath, a.filter)
	if err != nil {
		log.Warn().Str("batch_id", batchID).Err(err).Msg("counting archive entries failed")
		fileCount = 0
	}

	newBatch := &batch.Batch{
		ID:                batchID,
		Status:            batch.StatusPending,
		SourceArchivePath: archivePath,
		CreatedAt:         time.Now().UTC(),
	}
	if err := a.store.CreateBatch(c.Request.Context(), newBatch); err != nil {
		log.Error().Str("batch_id", batchID).Err(err).Msg("creating batch record failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create batch"})
		return
	}

	item := batch.ExpandItem{BatchID: batchID, ArchivePath: archivePath}
	if err := a.queue.Enqueue(c.Request.Context(), batch.ChannelExpandBatch, item); err != nil {
		log.Error().Str("batch_id", batchID).Err(err).Msg("enqueueing expansion failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue batch"})
		return
	}

	log.Info().Str("batch_id", batchID).Int("file_count", fileCount).Msg("batch accepted")
	c.JSON(http.StatusAccepted, createBatchResponse{
		BatchID:   batchID,
		FileCount: fileCount,
		Message:   "accepted",
	})
}

// GetBatch returns the batch status together with per-document statuses.
func (a *API) GetBatch(c *gin.Context) {
	id := c.Param("id")
	foundBatch, err := a.store.GetBatch(c.Request.Context(), id)
	if errors.Is(err, batch.ErrBatchNotFound) {
		log.Warn().Str("batch_id", id).Msg("batch not found on get")
		c.JSON(http.StatusNotFound, gin.H{"error": "batch not found"})
		return
	}
	if err != nil {
		log.Error().Str("batch_id", id).Err(err).Msg("loading batch failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load batch"})
		return
	}

	docs, err := a.store.ListDocuments(c.Request.Context(), id)
	if err != nil {
		log.Error().Str("batch_id", id).Err(err).Msg("loading documents failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load documents"})
		return
	}

	c.JSON(http.StatusOK, toBatchResponse(foundBatch, docs))
}

// DownloadResult serves the result archive once the batch is completed.
func (a *API) DownloadResult(c *gin.Context) {
	id := c.Param("id")
	foundBatch, err := a.store.GetBatch(c.Request.Context(), id)
	if errors.Is(err, batch.ErrBatchNotFound) {
		log.Warn().Str("batch_id", id).Msg("batch not found on download")
		c.JSON(http.StatusNotFound, gin.H{"error": "batch not found"})
		return
	}
	if err != nil {
		log.Error().Str("batch_id", id).Err(err).Msg("loading batch failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load batch"})
		return
	}
	if foundBatch.Status != batch.StatusCompleted || foundBatch.ResultArchivePath == "" {
		log.Warn().Str("batch_id", id).Str("status", string(foundBatch.Status)).Msg("result not ready to download")
		c.JSON(http.StatusConflict, gin.H{"error": batch.ErrResultNotReady.Error()})
		return
	}
	log.Info().Str("batch_id", id).Str("path", foundBatch.ResultArchivePath).Msg("serving result download")
	c.FileAttachment(foundBatch.ResultArchivePath, "result-"+foundBatch.ID+".zip")
}

func toBatchResponse(b *batch.Batch, docs []batch.Document) batchResponse {
	resp := batchResponse{
		ID:        b.ID,
		Status:    b.Status,
		CreatedAt: b.CreatedAt.UTC().Format(time.RFC3339),
		Documents: make([]documentResponse, 0, len(docs)),
	}
	for _, d := range docs {
		resp.Documents = append(resp.Documents, documentResponse{ID: d.ID, Name: d.Name, Status: d.Status})
	}
	if b.Status == batch.StatusCompleted {
		resp.ResultURL = "/api/v1/batches/" + b.ID + "/result"
	}
	return resp
}
