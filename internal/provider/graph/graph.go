package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/openrelay/graph-smtp-relay/internal/email"
	"github.com/openrelay/graph-smtp-relay/internal/events"
)

// maxRetries is the maximum number of retry attempts for transient failures.
const maxRetries = 3

// baseRetryDelay is the initial delay for exponential backoff.
const baseRetryDelay = 1 * time.Second

// defaultBaseURL is the Graph API root.
const defaultBaseURL = "https://graph.microsoft.com/v1.0"

// GraphProviderConfig holds the configuration for creating a GraphProvider.
type GraphProviderConfig struct {
	TenantID     string
	Authority    string
	ClientID     string
	ClientSecret string
	Sender       string

	// SaveToSent controls whether sent messages remain in the sender's
	// Sent Items folder. Drafts used for large-attachment sends are
	// deleted after sending when false.
	SaveToSent bool

	// AttachmentThreshold is the size in bytes at which an attachment
	// switches from inline base64 to the upload-session flow.
	AttachmentThreshold int64

	// UploadChunkSize is the upload-session chunk size in bytes. Must be
	// a multiple of 320 KiB per the Graph API contract.
	UploadChunkSize int64
}

// GraphProvider sends emails via the Microsoft Graph API using OAuth2
// client credentials authentication. Messages whose attachments all fit
// under the threshold go out in a single sendMail call; larger ones use a
// draft, per-attachment upload sessions, and a separate send.
type GraphProvider struct {
	sender     string
	baseURL    string
	saveToSent bool
	threshold  int64
	chunkSize  int64
	httpClient *http.Client
	token      *tokenCache
}

// New creates a new GraphProvider with the given configuration. The bus
// receives before_auth/after_auth events from token acquisition.
func New(cfg GraphProviderConfig, bus *events.Bus) *GraphProvider {
	authority := cfg.Authority
	if authority == "" {
		authority = fmt.Sprintf("https://login.microsoftonline.com/%s", cfg.TenantID)
	}
	tokenURL := strings.TrimRight(authority, "/") + "/oauth2/v2.0/token"

	client := &http.Client{Timeout: 30 * time.Second}

	return &GraphProvider{
		sender:     cfg.Sender,
		baseURL:    defaultBaseURL,
		saveToSent: cfg.SaveToSent,
		threshold:  cfg.AttachmentThreshold,
		chunkSize:  cfg.UploadChunkSize,
		httpClient: client,
		token:      newTokenCache(tokenURL, cfg.ClientID, cfg.ClientSecret, client, bus),
	}
}

// newWithOverrides creates a GraphProvider with custom URLs and HTTP client,
// used for testing.
func newWithOverrides(cfg GraphProviderConfig, baseURL, tokenURL string, client *http.Client, bus *events.Bus) *GraphProvider {
	return &GraphProvider{
		sender:     cfg.Sender,
		baseURL:    baseURL,
		saveToSent: cfg.SaveToSent,
		threshold:  cfg.AttachmentThreshold,
		chunkSize:  cfg.UploadChunkSize,
		httpClient: client,
		token:      newTokenCache(tokenURL, cfg.ClientID, cfg.ClientSecret, client, bus),
	}
}

// Send delivers a message via the Microsoft Graph API. It selects the direct
// sendMail path when every attachment fits inline, and the
// draft/upload-session/send sequence otherwise.
func (g *GraphProvider) Send(ctx context.Context, env *email.Envelope, msg *email.Email) error {
	sub, err := buildSubmission(msg, g.threshold)
	if err != nil {
		return err
	}

	slog.Debug("translated message for Graph submission",
		"sender", env.Sender,
		"summary", describeSubmission(sub),
	)

	if len(sub.large) == 0 {
		return g.sendDirect(ctx, sub)
	}
	return g.sendViaDraft(ctx, sub)
}

// Name returns the provider name.
func (g *GraphProvider) Name() string {
	return "msgraph"
}

// sendDirect performs a single sendMail call carrying the full payload.
func (g *GraphProvider) sendDirect(ctx context.Context, sub *submission) error {
	reqBody := sendMailRequest{
		Message:         sub.message,
		SaveToSentItems: g.saveToSent,
	}
	url := fmt.Sprintf("%s/users/%s/sendMail", g.baseURL, g.sender)
	return g.call(ctx, http.MethodPost, url, reqBody, nil)
}

// preferImmutableID pins the draft's message id across folder moves. Sending
// a draft moves it to Sent Items, which reassigns the default id; the
// cleanup DELETE only works against the immutable one.
var preferImmutableID = http.Header{"Prefer": []string{`IdType="ImmutableId"`}}

// sendViaDraft creates a draft carrying the inline attachments, uploads each
// large attachment through its own upload session, then sends the completed
// draft. The draft is deleted afterwards unless SaveToSent is set.
func (g *GraphProvider) sendViaDraft(ctx context.Context, sub *submission) error {
	var draft draftResponse
	draftURL := fmt.Sprintf("%s/users/%s/messages", g.baseURL, g.sender)
	if err := g.callWithHeaders(ctx, http.MethodPost, draftURL, preferImmutableID, sub.message, &draft); err != nil {
		return fmt.Errorf("failed to create draft: %w", err)
	}
	if draft.ID == "" {
		return &SendError{Message: "draft creation returned no message id", permanent: true}
	}

	for _, att := range sub.large {
		uploadURL, err := g.createUploadSession(ctx, draft.ID, att)
		if err != nil {
			return fmt.Errorf("failed to create upload session for %q: %w", att.Filename, err)
		}
		if err := g.uploadChunks(ctx, uploadURL, att.Content); err != nil {
			return fmt.Errorf("failed to upload %q: %w", att.Filename, err)
		}
		slog.Info("large attachment uploaded",
			"filename", att.Filename,
			"size", att.Size(),
		)
	}

	sendURL := fmt.Sprintf("%s/users/%s/messages/%s/send", g.baseURL, g.sender, draft.ID)
	if err := g.call(ctx, http.MethodPost, sendURL, nil, nil); err != nil {
		return fmt.Errorf("failed to send draft: %w", err)
	}

	if !g.saveToSent {
		// Best effort: the message is already on its way.
		deleteURL := fmt.Sprintf("%s/users/%s/messages/%s", g.baseURL, g.sender, draft.ID)
		if err := g.call(ctx, http.MethodDelete, deleteURL, nil, nil); err != nil {
			slog.Warn("failed to delete sent draft",
				"message_id", draft.ID,
				"error", err,
			)
		}
	}

	return nil
}

// call performs one authenticated Graph API request with the provider's
// retry policy: bounded retries with exponential backoff for transient
// failures, Retry-After respect for 429, and exactly one forced token
// refresh on 401. A non-nil out receives the decoded JSON response.
func (g *GraphProvider) call(ctx context.Context, method, url string, in, out interface{}) error {
	return g.callWithHeaders(ctx, method, url, nil, in, out)
}

// callWithHeaders is call with additional request headers, used where an
// endpoint needs a Prefer directive.
func (g *GraphProvider) callWithHeaders(ctx context.Context, method, url string, extra http.Header, in, out interface{}) error {
	var bodyJSON []byte
	if in != nil {
		var err error
		bodyJSON, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	var lastErr error
	var delay time.Duration
	tokenRefreshed := false

	// The backoff wait happens at the top of the next attempt, so an
	// exhausted retry budget fails without a trailing sleep.
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepWithContext(ctx, delay); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
			slog.Debug("retrying Graph API request",
				"method", method,
				"url", url,
				"attempt", attempt,
				"max_retries", maxRetries,
			)
		}

		err := g.doRequest(ctx, method, url, extra, bodyJSON, out)
		if err == nil {
			return nil
		}

		lastErr = err

		graphErr, ok := err.(*SendError)
		if !ok {
			return err
		}

		switch {
		case graphErr.permanent:
			return graphErr
		case graphErr.StatusCode == http.StatusUnauthorized && !tokenRefreshed:
			// Refresh token once and retry immediately
			slog.Info("refreshing Graph API token after 401")
			if _, refreshErr := g.token.ForceRefresh(ctx); refreshErr != nil {
				return fmt.Errorf("token refresh failed: %w", refreshErr)
			}
			tokenRefreshed = true
			delay = 0
			continue
		case graphErr.StatusCode == http.StatusUnauthorized:
			return graphErr
		case graphErr.StatusCode == http.StatusTooManyRequests:
			delay = retryAfterDelay(graphErr.retryAfter, attempt)
			slog.Info("rate limited by Graph API",
				"retry_after", delay,
			)
			continue
		case graphErr.transient:
			delay = backoffDelay(attempt)
			slog.Info("transient Graph API error, retrying",
				"status", graphErr.StatusCode,
				"delay", delay,
			)
			continue
		default:
			return graphErr
		}
	}

	return fmt.Errorf("Graph API request failed after %d retries: %w", maxRetries, lastErr)
}

// doRequest performs a single authenticated HTTP request against the Graph API.
func (g *GraphProvider) doRequest(ctx context.Context, method, url string, extra http.Header, bodyJSON []byte, out interface{}) error {
	token, err := g.token.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get access token: %w", err)
	}

	var reqBody io.Reader
	if bodyJSON != nil {
		reqBody = bytes.NewReader(bodyJSON)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if bodyJSON != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	for key, values := range extra {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return &SendError{
			Message:   fmt.Sprintf("HTTP request failed: %v", err),
			transient: true,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return &SendError{
					Message:   fmt.Sprintf("failed to decode response: %v", err),
					permanent: true,
				}
			}
		}
		return nil
	}

	body, _ := io.ReadAll(resp.Body)

	var graphErrResp graphErrorResponse
	if jsonErr := json.Unmarshal(body, &graphErrResp); jsonErr == nil && graphErrResp.Error.Message != "" {
		return classifyError(resp.StatusCode, graphErrResp.Error.Message, resp.Header.Get("Retry-After"))
	}

	return classifyError(resp.StatusCode, string(body), resp.Header.Get("Retry-After"))
}

// SendError represents an error from a Graph API operation with
// classification for retry logic and SMTP status mapping.
type SendError struct {
	Message    string
	StatusCode int
	permanent  bool
	transient  bool
	retryAfter string
}

func (e *SendError) Error() string {
	return fmt.Sprintf("Graph API error (HTTP %d): %s", e.StatusCode, e.Message)
}

// Temporary reports whether the failure is transient; permanent rejections
// become 550 bounces at the SMTP layer.
func (e *SendError) Temporary() bool {
	return !e.permanent
}

// classifyError categorizes an HTTP error response for retry decisions.
func classifyError(statusCode int, message, retryAfter string) *SendError {
	err := &SendError{
		Message:    message,
		StatusCode: statusCode,
		retryAfter: retryAfter,
	}

	switch {
	case statusCode == http.StatusBadRequest || statusCode == http.StatusForbidden:
		err.permanent = true
	case statusCode == http.StatusUnauthorized:
		err.transient = true
	case statusCode == http.StatusTooManyRequests:
		err.transient = true
	case statusCode >= 500:
		err.transient = true
	default:
		err.permanent = true
	}

	return err
}

// retryAfterDelay parses the Retry-After header value and returns the
// appropriate delay. Falls back to exponential backoff if the header is
// missing or unparseable.
func retryAfterDelay(retryAfter string, attempt int) time.Duration {
	if retryAfter == "" {
		return backoffDelay(attempt)
	}

	seconds, err := strconv.Atoi(retryAfter)
	if err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	return backoffDelay(attempt)
}

// backoffDelay returns the exponential backoff delay for the given attempt number.
// Delays are: 1s, 2s, 4s
func backoffDelay(attempt int) time.Duration {
	delay := baseRetryDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// sleepWithContext waits for the specified duration or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
