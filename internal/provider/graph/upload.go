package graph

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/openrelay/graph-smtp-relay/internal/email"
)

// createUploadSession opens an upload session for one large attachment on
// the given draft and returns the pre-authenticated upload URL.
func (g *GraphProvider) createUploadSession(ctx context.Context, draftID string, att email.Attachment) (string, error) {
	reqBody := uploadSessionRequest{
		AttachmentItem: attachmentItem{
			AttachmentType: "file",
			Name:           att.Filename,
			Size:           att.Size(),
			IsInline:       att.Inline,
			ContentID:      att.ContentID,
		},
	}

	url := fmt.Sprintf("%s/users/%s/messages/%s/attachments/createUploadSession",
		g.baseURL, g.sender, draftID)

	var session uploadSessionResponse
	if err := g.call(ctx, http.MethodPost, url, reqBody, &session); err != nil {
		return "", err
	}
	if session.UploadURL == "" {
		return "", &SendError{Message: "upload session response missing uploadUrl", permanent: true}
	}
	return session.UploadURL, nil
}

// uploadChunks uploads attachment content to an upload session URL in
// ordered fixed-size chunks. Chunk order matters: a chunk is only attempted
// after its predecessor succeeded. Each chunk gets the provider's bounded
// retry budget for transient failures; exhausting it fails the whole
// submission before any send call is made.
func (g *GraphProvider) uploadChunks(ctx context.Context, uploadURL string, content []byte) error {
	total := int64(len(content))
	numChunks := int((total + g.chunkSize - 1) / g.chunkSize)

	slog.Debug("starting chunked upload",
		"total_bytes", total,
		"chunks", numChunks,
		"chunk_size", g.chunkSize,
	)

	for i := 0; i < numChunks; i++ {
		start := int64(i) * g.chunkSize
		end := start + g.chunkSize
		if end > total {
			end = total
		}

		if err := g.uploadChunk(ctx, uploadURL, content[start:end], start, end, total); err != nil {
			return fmt.Errorf("chunk %d/%d: %w", i+1, numChunks, err)
		}

		slog.Debug("chunk uploaded",
			"chunk", i+1,
			"chunks", numChunks,
			"range_start", start,
			"range_end", end-1,
		)
	}

	return nil
}

// uploadChunk PUTs one chunk with retries for transient failures. The
// upload URL is pre-authenticated by the Graph API; no bearer token is sent.
func (g *GraphProvider) uploadChunk(ctx context.Context, uploadURL string, chunk []byte, start, end, total int64) error {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt)
			slog.Info("retrying chunk upload",
				"attempt", attempt,
				"delay", delay,
			)
			if err := sleepWithContext(ctx, delay); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		}

		err := g.doUploadChunk(ctx, uploadURL, chunk, start, end, total)
		if err == nil {
			return nil
		}

		lastErr = err

		chunkErr, ok := err.(*SendError)
		if !ok || chunkErr.permanent {
			return err
		}
	}

	return fmt.Errorf("chunk upload failed after %d retries: %w", maxRetries, lastErr)
}

// doUploadChunk performs a single chunk PUT with the Content-Range header
// the upload session contract requires.
func (g *GraphProvider) doUploadChunk(ctx context.Context, uploadURL string, chunk []byte, start, end, total int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(chunk))
	if err != nil {
		return fmt.Errorf("failed to create chunk request: %w", err)
	}
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end-1, total))
	req.ContentLength = int64(len(chunk))

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return &SendError{
			Message:   fmt.Sprintf("chunk upload request failed: %v", err),
			transient: true,
		}
	}
	defer resp.Body.Close()

	// 202 for intermediate chunks, 200/201 when the final chunk completes
	// the session.
	if resp.StatusCode == http.StatusOK ||
		resp.StatusCode == http.StatusCreated ||
		resp.StatusCode == http.StatusAccepted {
		return nil
	}

	body, _ := io.ReadAll(resp.Body)
	return classifyError(resp.StatusCode, string(body), resp.Header.Get("Retry-After"))
}
