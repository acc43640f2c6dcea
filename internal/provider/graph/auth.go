package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/openrelay/graph-smtp-relay/internal/events"
)

// tokenExpiryBuffer is the time before actual expiry when we consider a token
// expired. This prevents using a token that is about to expire during a request.
const tokenExpiryBuffer = 5 * time.Minute

// defaultScope is the client-credentials scope for the Graph API.
const defaultScope = "https://graph.microsoft.com/.default"

// AuthError reports a failed token acquisition: authority unreachable,
// non-success status, or an unparseable response. It is always temporary;
// the session fails the current message without terminating the connection.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("token acquisition failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("token acquisition failed: %s", e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Temporary marks auth failures as transient for SMTP status mapping.
func (e *AuthError) Temporary() bool { return true }

// tokenCache manages OAuth2 access tokens with single-flight acquisition:
// concurrent callers with no valid cached token collapse into one authority
// request and all observe the same refreshed token.
type tokenCache struct {
	tokenURL     string
	clientID     string
	clientSecret string
	scope        string
	httpClient   *http.Client
	bus          *events.Bus

	mu          sync.Mutex
	group       singleflight.Group
	accessToken string
	expiresAt   time.Time
}

// newTokenCache creates a token cache for the given OAuth2 client credentials.
func newTokenCache(tokenURL, clientID, clientSecret string, httpClient *http.Client, bus *events.Bus) *tokenCache {
	return &tokenCache{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		scope:        defaultScope,
		httpClient:   httpClient,
		bus:          bus,
	}
}

// Token returns a valid access token, refreshing it if absent or within the
// expiry buffer. Safe for concurrent use.
func (tc *tokenCache) Token(ctx context.Context) (string, error) {
	tc.mu.Lock()
	if tc.accessToken != "" && time.Now().Before(tc.expiresAt) {
		token := tc.accessToken
		tc.mu.Unlock()
		return token, nil
	}
	tc.mu.Unlock()

	return tc.acquire(ctx)
}

// ForceRefresh discards the current token and acquires a new one. Used when
// a 401 response indicates the cached token is no longer accepted.
func (tc *tokenCache) ForceRefresh(ctx context.Context) (string, error) {
	tc.mu.Lock()
	tc.accessToken = ""
	tc.expiresAt = time.Time{}
	tc.mu.Unlock()

	return tc.acquire(ctx)
}

// acquire collapses concurrent refresh attempts into a single authority
// request. Callers that lost the race re-check the cache inside the flight.
func (tc *tokenCache) acquire(ctx context.Context) (string, error) {
	v, err, _ := tc.group.Do("token", func() (interface{}, error) {
		tc.mu.Lock()
		if tc.accessToken != "" && time.Now().Before(tc.expiresAt) {
			token := tc.accessToken
			tc.mu.Unlock()
			return token, nil
		}
		tc.mu.Unlock()

		return tc.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// refresh performs the client-credentials grant against the authority,
// bracketing the request with before_auth and after_auth events.
func (tc *tokenCache) refresh(ctx context.Context) (string, error) {
	tc.publishBeforeAuth()

	token, resp, err := tc.requestToken(ctx)
	tc.publishAfterAuth(resp, err)
	if err != nil {
		return "", err
	}

	tc.mu.Lock()
	tc.accessToken = token
	tc.expiresAt = time.Now().Add(time.Duration(resp.ExpiresIn)*time.Second - tokenExpiryBuffer)
	tc.mu.Unlock()

	return token, nil
}

// requestToken performs one token request and parses the response.
func (tc *tokenCache) requestToken(ctx context.Context) (string, *tokenResponse, error) {
	data := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {tc.clientID},
		"client_secret": {tc.clientSecret},
		"scope":         {tc.scope},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tc.tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return "", nil, &AuthError{Reason: "failed to create token request", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := tc.httpClient.Do(req)
	if err != nil {
		return "", nil, &AuthError{Reason: "token request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, &AuthError{Reason: "failed to read token response", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return "", nil, &AuthError{
			Reason: fmt.Sprintf("token endpoint returned %d: %s", resp.StatusCode, string(body)),
		}
	}

	var tokenResp tokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return "", nil, &AuthError{Reason: "failed to parse token response", Err: err}
	}

	if tokenResp.AccessToken == "" {
		return "", nil, &AuthError{Reason: "token response missing access_token"}
	}

	return tokenResp.AccessToken, &tokenResp, nil
}

// publishBeforeAuth announces the upcoming token request. The client secret
// is never part of the event payload.
func (tc *tokenCache) publishBeforeAuth() {
	if tc.bus == nil {
		return
	}
	tc.bus.Publish(events.BeforeAuth, &events.Context{
		AuthRequest: &events.AuthRequest{
			TokenURL: tc.tokenURL,
			ClientID: tc.clientID,
			Scope:    tc.scope,
		},
	})
}

// publishAfterAuth announces the token request outcome as metadata only.
func (tc *tokenCache) publishAfterAuth(resp *tokenResponse, err error) {
	if tc.bus == nil {
		return
	}
	result := &events.AuthResult{Err: err}
	if resp != nil {
		result.TokenType = resp.TokenType
		result.Scope = tc.scope
		result.ExpiresIn = resp.ExpiresIn
	}
	tc.bus.Publish(events.AfterAuth, &events.Context{AuthResult: result})
}
