package intake

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// TokenProvider supplies a bearer credential for the requested scope.
// Credential acquisition mechanics live behind this seam; the client
// neither caches nor refreshes tokens.
type TokenProvider func(ctx context.Context, scope string) (string, error)

// StaticTokenProvider returns the same token for every scope.
func StaticTokenProvider(token string) TokenProvider {
	return func(context.Context, string) (string, error) {
		return token, nil
	}
}

// IngestStatusError reports a non-success HTTP status from the ingest API.
type IngestStatusError struct {
	StatusCode int
}

func (e *IngestStatusError) Error() string {
	return fmt.Sprintf("ingest api returned status %d", e.StatusCode)
}

type IngestClientOptions struct {
	URL           string
	Audience      string
	TokenProvider TokenProvider
	HTTPClient    *http.Client
	Timeout       time.Duration
}

// IngestClient forwards validated storage references to the downstream
// ingest API. There are no internal retries: a failed call surfaces as a
// retryable outcome and redelivery is the queue's job.
type IngestClient struct {
	url           string
	scope         string
	tokenProvider TokenProvider
	httpClient    *http.Client
	timeout       time.Duration
}

func NewIngestClient(opts IngestClientOptions) *IngestClient {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &IngestClient{
		url:           strings.TrimSpace(opts.URL),
		scope:         ScopeForAudience(opts.Audience),
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		timeout:       timeout,
	}
}

// ScopeForAudience appends the "/.default" suffix expected by the
// credential exchange unless the audience already carries it.
func ScopeForAudience(audience string) string {
	audience = strings.TrimSpace(audience)
	if audience == "" || strings.HasSuffix(audience, "/.default") {
		return audience
	}
	return audience + "/.default"
}

type ingestRequest struct {
	TenantID   string `json:"tenant_id"`
	StorageURI string `json:"storage_uri"`
	Source     string `json:"source"`
}

// Notify POSTs the storage reference with a bearer credential, bounded by
// the configured timeout. A 2xx response is success; any other status is
// an *IngestStatusError.
func (c *IngestClient) Notify(ctx context.Context, tenantID, storageURI, source string) error {
	if c == nil || c.url == "" {
		return ErrInvalidInput
	}
	if c.tokenProvider == nil {
		return fmt.Errorf("ingest token provider is required")
	}
	token, err := c.tokenProvider(ctx, c.scope)
	if err != nil {
		return fmt.Errorf("acquire ingest token: %w", err)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("ingest token is empty")
	}

	body, err := json.Marshal(ingestRequest{
		TenantID:   tenantID,
		StorageURI: storageURI,
		Source:     source,
	})
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	return &IngestStatusError{StatusCode: resp.StatusCode}
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
