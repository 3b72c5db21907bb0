// Package convert talks to the external document converter over HTTP.
// The request is a multipart upload of one source file; the response body is
// the converted document, streamed straight to local storage.
package convert

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	fileutil "docbatch/internal/file"
)

// ErrTransport covers network failures, timeouts and non-success responses
// from the converter. Callers treat all of them the same way for state
// purposes.
var ErrTransport = errors.New("conversion request failed")

const formFieldName = "files"

type Client struct {
	url        string
	httpClient *http.Client
}

// NewClient builds a client for the converter at url. Every request is
// bounded by the given timeout.
func NewClient(url string, timeout time.Duration) *Client {
	return &Client{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Convert uploads the file at inputPath and streams the converted result to
// outputPath. The output file appears atomically: downstream readers never
// see a partial write.
func (c *Client) Convert(ctx context.Context, inputPath, outputPath string) error {
	input, err := os.Open(inputPath) //nolint:gosec // path produced by the expansion stage
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer func() { _ = input.Close() }()

	bodyReader, contentType := multipartBody(input, filepath.Base(inputPath))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bodyReader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warn().Str("input", inputPath).Int("status", resp.StatusCode).Msg("converter returned unexpected status")
		return fmt.Errorf("%w: http %d", ErrTransport, resp.StatusCode)
	}

	if err := fileutil.CopyAtomic(outputPath, resp.Body); err != nil {
		return fmt.Errorf("store converted output: %w", err)
	}
	return nil
}

// multipartBody streams the file as a single multipart form field without
// buffering it in memory.
func multipartBody(input io.Reader, filename string) (io.Reader, string) {
	pipeReader, pipeWriter := io.Pipe()
	formWriter := multipart.NewWriter(pipeWriter)

	go func() {
		part, err := formWriter.CreateFormFile(formFieldName, filename)
		if err != nil {
			_ = pipeWriter.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, input); err != nil {
			_ = pipeWriter.CloseWithError(err)
			return
		}
		if err := formWriter.Close(); err != nil {
			_ = pipeWriter.CloseWithError(err)
			return
		}
		_ = pipeWriter.Close()
	}()

	return pipeReader, formWriter.FormDataContentType()
}
