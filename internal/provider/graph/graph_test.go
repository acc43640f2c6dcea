package graph

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openrelay/graph-smtp-relay/internal/email"
)

// newTokenServer returns an httptest server that always issues the same token.
func newTokenServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tokenResponse{
			AccessToken: "test-token",
			ExpiresIn:   3600,
		})
	}))
}

func testEnvelope() *email.Envelope {
	return &email.Envelope{
		Sender:     "relay-client@example.com",
		Recipients: []string{"user@example.com"},
		ReceivedAt: time.Now(),
	}
}

func testProvider(graphURL, tokenURL string, client *http.Client, saveToSent bool) *GraphProvider {
	return newWithOverrides(
		GraphProviderConfig{
			TenantID:            "test-tenant",
			ClientID:            "test-client",
			ClientSecret:        "test-secret",
			Sender:              "sender@example.com",
			SaveToSent:          saveToSent,
			AttachmentThreshold: testThreshold,
			UploadChunkSize:     327680,
		},
		graphURL, tokenURL, client, nil,
	)
}

func TestGraphProvider_Name(t *testing.T) {
	t.Parallel()

	p := &GraphProvider{}
	if p.Name() != "msgraph" {
		t.Errorf("Name: got %q, want %q", p.Name(), "msgraph")
	}
}

func TestGraphProvider_SendDirect(t *testing.T) {
	t.Parallel()

	tokenServer := newTokenServer(t)
	defer tokenServer.Close()

	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/sender@example.com/sendMail" {
			t.Errorf("path: got %q, want sendMail endpoint", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("Authorization header: got %q, want %q", r.Header.Get("Authorization"), "Bearer test-token")
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type header: got %q, want %q", r.Header.Get("Content-Type"), "application/json")
		}

		var body sendMailRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		if body.Message.Subject != "Hi" {
			t.Errorf("Subject in body: got %q, want %q", body.Message.Subject, "Hi")
		}
		if len(body.Message.ToRecipients) != 1 || body.Message.ToRecipients[0].EmailAddress.Address != "user@example.com" {
			t.Errorf("ToRecipients in body: got %v", body.Message.ToRecipients)
		}
		if body.Message.Body.Content != "hello" {
			t.Errorf("body content: got %q, want %q", body.Message.Body.Content, "hello")
		}
		if body.SaveToSentItems {
			t.Error("SaveToSentItems: got true, want false")
		}

		w.WriteHeader(http.StatusAccepted)
	}))
	defer graphServer.Close()

	p := testProvider(graphServer.URL, tokenServer.URL, graphServer.Client(), false)

	msg := &email.Email{
		To:       []string{"user@example.com"},
		Subject:  "Hi",
		TextBody: "hello",
	}

	if err := p.Send(context.Background(), testEnvelope(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGraphProvider_SendViaDraft(t *testing.T) {
	t.Parallel()

	tokenServer := newTokenServer(t)
	defer tokenServer.Close()

	bigContent := make([]byte, 500000)
	for i := range bigContent {
		bigContent[i] = byte(i % 251)
	}

	var (
		draftCreated   atomic.Bool
		sessionCreated atomic.Bool
		uploaded       atomic.Int64
		sent           atomic.Bool
		deleted        atomic.Bool
	)

	mux := http.NewServeMux()
	var graphServer *httptest.Server

	mux.HandleFunc("POST /users/sender@example.com/messages", func(w http.ResponseWriter, r *http.Request) {
		// The draft id must survive the move to Sent Items, or the
		// cleanup DELETE targets a reassigned id.
		if got := r.Header.Get("Prefer"); got != `IdType="ImmutableId"` {
			t.Errorf("draft Prefer header: got %q, want %q", got, `IdType="ImmutableId"`)
		}
		var msg graphMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			t.Errorf("draft body decode: %v", err)
		}
		// Small attachments travel with the draft, not through upload sessions.
		if len(msg.Attachments) != 1 || msg.Attachments[0].Name != "small.txt" {
			t.Errorf("draft attachments: got %v", msg.Attachments)
		}
		draftCreated.Store(true)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(draftResponse{ID: "draft-42"})
	})

	mux.HandleFunc("POST /users/sender@example.com/messages/draft-42/attachments/createUploadSession", func(w http.ResponseWriter, r *http.Request) {
		var req uploadSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("session body decode: %v", err)
		}
		if req.AttachmentItem.Name != "big.bin" {
			t.Errorf("session attachment name: got %q, want %q", req.AttachmentItem.Name, "big.bin")
		}
		if req.AttachmentItem.Size != int64(len(bigContent)) {
			t.Errorf("session attachment size: got %d, want %d", req.AttachmentItem.Size, len(bigContent))
		}
		sessionCreated.Store(true)
		json.NewEncoder(w).Encode(uploadSessionResponse{UploadURL: graphServer.URL + "/upload/abc"})
	})

	mux.HandleFunc("PUT /upload/abc", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Error("upload URL is pre-authenticated, no bearer token expected")
		}
		if r.Header.Get("Content-Range") == "" {
			t.Error("chunk request missing Content-Range header")
		}
		uploaded.Add(r.ContentLength)
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("POST /users/sender@example.com/messages/draft-42/send", func(w http.ResponseWriter, r *http.Request) {
		if !sessionCreated.Load() || uploaded.Load() != int64(len(bigContent)) {
			t.Error("send called before upload completed")
		}
		sent.Store(true)
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("DELETE /users/sender@example.com/messages/draft-42", func(w http.ResponseWriter, r *http.Request) {
		deleted.Store(true)
		w.WriteHeader(http.StatusNoContent)
	})

	graphServer = httptest.NewServer(mux)
	defer graphServer.Close()

	p := testProvider(graphServer.URL, tokenServer.URL, graphServer.Client(), false)
	// Small threshold and chunk size to exercise multiple chunks.
	p.threshold = 100000
	p.chunkSize = 200000

	msg := &email.Email{
		To:       []string{"user@example.com"},
		Subject:  "Large",
		TextBody: "see attachment",
		Attachments: []email.Attachment{
			{Filename: "small.txt", ContentType: "text/plain", Content: []byte("tiny")},
			{Filename: "big.bin", ContentType: "application/octet-stream", Content: bigContent},
		},
	}

	if err := p.Send(context.Background(), testEnvelope(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !draftCreated.Load() {
		t.Error("draft was never created")
	}
	if !sent.Load() {
		t.Error("draft was never sent")
	}
	if !deleted.Load() {
		t.Error("draft should be deleted when SaveToSent is off")
	}
}

func TestGraphProvider_SendViaDraft_KeepsSentCopy(t *testing.T) {
	t.Parallel()

	tokenServer := newTokenServer(t)
	defer tokenServer.Close()

	var deleted atomic.Bool

	mux := http.NewServeMux()
	var graphServer *httptest.Server

	mux.HandleFunc("POST /users/sender@example.com/messages", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(draftResponse{ID: "draft-7"})
	})
	mux.HandleFunc("POST /users/sender@example.com/messages/draft-7/attachments/createUploadSession", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(uploadSessionResponse{UploadURL: graphServer.URL + "/upload/x"})
	})
	mux.HandleFunc("PUT /upload/x", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("POST /users/sender@example.com/messages/draft-7/send", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("DELETE /users/sender@example.com/messages/draft-7", func(w http.ResponseWriter, r *http.Request) {
		deleted.Store(true)
		w.WriteHeader(http.StatusNoContent)
	})

	graphServer = httptest.NewServer(mux)
	defer graphServer.Close()

	p := testProvider(graphServer.URL, tokenServer.URL, graphServer.Client(), true)
	p.threshold = 10

	msg := &email.Email{
		To:       []string{"user@example.com"},
		TextBody: "body",
		Attachments: []email.Attachment{
			{Filename: "data.bin", ContentType: "application/octet-stream", Content: make([]byte, 64)},
		},
	}

	if err := p.Send(context.Background(), testEnvelope(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if deleted.Load() {
		t.Error("draft must not be deleted when SaveToSent is on")
	}
}

func TestGraphProvider_PermanentError(t *testing.T) {
	t.Parallel()

	tokenServer := newTokenServer(t)
	defer tokenServer.Close()

	var calls atomic.Int32
	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(graphErrorResponse{
			Error: graphError{Code: "BadRequest", Message: "Invalid recipient"},
		})
	}))
	defer graphServer.Close()

	p := testProvider(graphServer.URL, tokenServer.URL, graphServer.Client(), false)

	err := p.Send(context.Background(), testEnvelope(), &email.Email{
		To:       []string{"bad@example.com"},
		Subject:  "Test",
		TextBody: "Body",
	})

	if err == nil {
		t.Fatal("expected error for 400 response, got nil")
	}

	sendErr, ok := err.(*SendError)
	if !ok {
		t.Fatalf("expected *SendError, got %T", err)
	}
	if sendErr.Temporary() {
		t.Error("400 error should be classified as permanent")
	}
	if calls.Load() != 1 {
		t.Errorf("call count: got %d, want 1 (permanent errors are not retried)", calls.Load())
	}
}

func TestGraphProvider_ForbiddenError(t *testing.T) {
	t.Parallel()

	tokenServer := newTokenServer(t)
	defer tokenServer.Close()

	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(graphErrorResponse{
			Error: graphError{Code: "Forbidden", Message: "Insufficient permissions"},
		})
	}))
	defer graphServer.Close()

	p := testProvider(graphServer.URL, tokenServer.URL, graphServer.Client(), false)

	err := p.Send(context.Background(), testEnvelope(), &email.Email{
		To:       []string{"user@example.com"},
		Subject:  "Test",
		TextBody: "Body",
	})

	if err == nil {
		t.Fatal("expected error for 403 response, got nil")
	}

	sendErr, ok := err.(*SendError)
	if !ok {
		t.Fatalf("expected *SendError, got %T", err)
	}
	if !sendErr.permanent {
		t.Error("403 error should be classified as permanent")
	}
}

func TestGraphProvider_RetryOn5xx(t *testing.T) {
	t.Parallel()

	tokenServer := newTokenServer(t)
	defer tokenServer.Close()

	var graphCallCount atomic.Int32

	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count := graphCallCount.Add(1)
		if count <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(graphErrorResponse{
				Error: graphError{Code: "ServiceUnavailable", Message: "Try again"},
			})
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer graphServer.Close()

	p := testProvider(graphServer.URL, tokenServer.URL, graphServer.Client(), false)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := p.Send(ctx, testEnvelope(), &email.Email{
		To:       []string{"user@example.com"},
		Subject:  "Test",
		TextBody: "Body",
	})

	if err != nil {
		t.Fatalf("expected success after retries, got: %v", err)
	}

	if graphCallCount.Load() != 3 {
		t.Errorf("graph call count: got %d, want 3 (2 failures + 1 success)", graphCallCount.Load())
	}
}

func TestGraphProvider_RetryOn401WithTokenRefresh(t *testing.T) {
	t.Parallel()

	var tokenCallCount atomic.Int32

	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count := tokenCallCount.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tokenResponse{
			AccessToken: "token-" + string(rune('0'+count)),
			ExpiresIn:   3600,
		})
	}))
	defer tokenServer.Close()

	var graphCallCount atomic.Int32

	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count := graphCallCount.Add(1)
		if count == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(graphErrorResponse{
				Error: graphError{Code: "Unauthorized", Message: "Token expired"},
			})
			return
		}
		// The retry must carry the refreshed token.
		if got := r.Header.Get("Authorization"); got != "Bearer token-2" {
			t.Errorf("Authorization after refresh: got %q, want %q", got, "Bearer token-2")
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer graphServer.Close()

	p := testProvider(graphServer.URL, tokenServer.URL, graphServer.Client(), false)

	err := p.Send(context.Background(), testEnvelope(), &email.Email{
		To:       []string{"user@example.com"},
		Subject:  "Test",
		TextBody: "Body",
	})

	if err != nil {
		t.Fatalf("expected success after token refresh, got: %v", err)
	}

	if graphCallCount.Load() != 2 {
		t.Errorf("graph call count: got %d, want 2", graphCallCount.Load())
	}

	// Token should have been refreshed (initial + force refresh)
	if tokenCallCount.Load() < 2 {
		t.Errorf("token call count: got %d, want >= 2", tokenCallCount.Load())
	}
}

func TestGraphProvider_SecondUnauthorizedIsFatal(t *testing.T) {
	t.Parallel()

	tokenServer := newTokenServer(t)
	defer tokenServer.Close()

	var graphCallCount atomic.Int32

	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		graphCallCount.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(graphErrorResponse{
			Error: graphError{Code: "Unauthorized", Message: "Still no"},
		})
	}))
	defer graphServer.Close()

	p := testProvider(graphServer.URL, tokenServer.URL, graphServer.Client(), false)

	err := p.Send(context.Background(), testEnvelope(), &email.Email{
		To:       []string{"user@example.com"},
		Subject:  "Test",
		TextBody: "Body",
	})

	if err == nil {
		t.Fatal("expected error when 401 persists after refresh, got nil")
	}
	// Exactly one forced refresh: initial 401 + one retry, then give up.
	if graphCallCount.Load() != 2 {
		t.Errorf("graph call count: got %d, want 2", graphCallCount.Load())
	}
}

func TestGraphProvider_RateLimitWithRetryAfter(t *testing.T) {
	t.Parallel()

	tokenServer := newTokenServer(t)
	defer tokenServer.Close()

	var graphCallCount atomic.Int32

	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count := graphCallCount.Add(1)
		if count == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(graphErrorResponse{
				Error: graphError{Code: "TooManyRequests", Message: "Rate limited"},
			})
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer graphServer.Close()

	p := testProvider(graphServer.URL, tokenServer.URL, graphServer.Client(), false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := p.Send(ctx, testEnvelope(), &email.Email{
		To:       []string{"user@example.com"},
		Subject:  "Test",
		TextBody: "Body",
	})

	if err != nil {
		t.Fatalf("expected success after rate limit retry, got: %v", err)
	}

	if graphCallCount.Load() != 2 {
		t.Errorf("graph call count: got %d, want 2", graphCallCount.Load())
	}
}

func TestGraphProvider_RetryExhaustionReturnsWithoutTrailingWait(t *testing.T) {
	t.Parallel()

	tokenServer := newTokenServer(t)
	defer tokenServer.Close()

	var graphCallCount atomic.Int32

	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		graphCallCount.Add(1)
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(graphErrorResponse{
			Error: graphError{Code: "TooManyRequests", Message: "Rate limited"},
		})
	}))
	defer graphServer.Close()

	p := testProvider(graphServer.URL, tokenServer.URL, graphServer.Client(), false)

	start := time.Now()
	err := p.Send(context.Background(), testEnvelope(), &email.Email{
		To:       []string{"user@example.com"},
		Subject:  "Test",
		TextBody: "Body",
	})
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected error after retry exhaustion, got nil")
	}
	if graphCallCount.Load() != 4 {
		t.Errorf("graph call count: got %d, want 4", graphCallCount.Load())
	}
	// Three 1s waits precede the retries; the final failure must return
	// without a fourth.
	if elapsed >= 3900*time.Millisecond {
		t.Errorf("retry exhaustion took %v, want under 3.9s (no wait after the last attempt)", elapsed)
	}
}

func TestGraphProvider_ContextCancellation(t *testing.T) {
	t.Parallel()

	tokenServer := newTokenServer(t)
	defer tokenServer.Close()

	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(graphErrorResponse{
			Error: graphError{Code: "ServiceUnavailable", Message: "Down"},
		})
	}))
	defer graphServer.Close()

	p := testProvider(graphServer.URL, tokenServer.URL, graphServer.Client(), false)

	ctx, cancel := context.WithCancel(context.Background())
	// Cancel immediately to test context cancellation during retry
	cancel()

	err := p.Send(ctx, testEnvelope(), &email.Email{
		To:       []string{"user@example.com"},
		Subject:  "Test",
		TextBody: "Body",
	})

	if err == nil {
		t.Error("expected error for cancelled context, got nil")
	}
}

func TestClassifyError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		statusCode int
		permanent  bool
		transient  bool
	}{
		{name: "400 Bad Request", statusCode: 400, permanent: true, transient: false},
		{name: "401 Unauthorized", statusCode: 401, permanent: false, transient: true},
		{name: "403 Forbidden", statusCode: 403, permanent: true, transient: false},
		{name: "429 Too Many Requests", statusCode: 429, permanent: false, transient: true},
		{name: "500 Internal Server Error", statusCode: 500, permanent: false, transient: true},
		{name: "502 Bad Gateway", statusCode: 502, permanent: false, transient: true},
		{name: "503 Service Unavailable", statusCode: 503, permanent: false, transient: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := classifyError(tt.statusCode, "test message", "")
			if err.permanent != tt.permanent {
				t.Errorf("permanent: got %v, want %v", err.permanent, tt.permanent)
			}
			if err.transient != tt.transient {
				t.Errorf("transient: got %v, want %v", err.transient, tt.transient)
			}
		})
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: 1 * time.Second},
		{attempt: 1, want: 2 * time.Second},
		{attempt: 2, want: 4 * time.Second},
	}

	for _, tt := range tests {
		got := backoffDelay(tt.attempt)
		if got != tt.want {
			t.Errorf("backoffDelay(%d): got %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestSendError_Error(t *testing.T) {
	t.Parallel()

	err := &SendError{
		Message:    "test error",
		StatusCode: 500,
	}

	expected := "Graph API error (HTTP 500): test error"
	if err.Error() != expected {
		t.Errorf("Error(): got %q, want %q", err.Error(), expected)
	}
}
