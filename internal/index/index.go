// Package index is the engine's only write surface against the search
// index: idempotent last-write-wins upserts keyed by deterministic
// document ids, partial field updates, and deletes. Query and ranking
// behavior live elsewhere entirely.
package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/eos60614/colpali-vespa-visual-retrieval-sub000/internal/ingest"
)

// Client is the downstream index write surface.
type Client interface {
	// Upsert inserts or overwrites the whole document.
	Upsert(ctx context.Context, docID string, fields map[string]any) error

	// UpdateFields assigns individual fields on an existing document.
	// Used to attach download outcomes after the initial upsert.
	UpdateFields(ctx context.Context, docID string, fields map[string]any) error

	// Delete removes the document. Deleting an absent document is not an error.
	Delete(ctx context.Context, docID string) error
}

// HTTPOptions configure the HTTP index client.
type HTTPOptions struct {
	// EndpointURL is the document API base, e.g. "http://vespa:8080".
	EndpointURL string

	// Namespace scopes document ids, e.g. "doc".
	Namespace string

	// RateLimit bounds writes per second; Burst the burst size.
	RateLimit float64
	RateBurst int

	Timeout time.Duration

	// Transport allows injecting a stub transport in tests.
	Transport http.RoundTripper
}

// HTTPClient talks to a Vespa-style document HTTP API.
type HTTPClient struct {
	base       string
	namespace  string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewHTTPClient creates a rate-limited document API client.
func NewHTTPClient(opts HTTPOptions) *HTTPClient {
	if opts.RateLimit <= 0 {
		opts.RateLimit = 50.0
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 10
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Namespace == "" {
		opts.Namespace = "doc"
	}
	return &HTTPClient{
		base:      strings.TrimRight(opts.EndpointURL, "/"),
		namespace: opts.Namespace,
		httpClient: &http.Client{
			Timeout:   opts.Timeout,
			Transport: opts.Transport,
		},
		limiter: rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateBurst),
	}
}

func (c *HTTPClient) docURL(docID string) string {
	return fmt.Sprintf("%s/document/v1/%s/%s/docid/%s",
		c.base, c.namespace, c.namespace, url.PathEscape(docID))
}

func (c *HTTPClient) Upsert(ctx context.Context, docID string, fields map[string]any) error {
	body := map[string]any{"fields": fields}
	return c.send(ctx, http.MethodPost, c.docURL(docID), body)
}

func (c *HTTPClient) UpdateFields(ctx context.Context, docID string, fields map[string]any) error {
	assigns := make(map[string]any, len(fields))
	for k, v := range fields {
		assigns[k] = map[string]any{"assign": v}
	}
	body := map[string]any{"fields": assigns, "create": true}
	return c.send(ctx, http.MethodPut, c.docURL(docID), body)
}

func (c *HTTPClient) Delete(ctx context.Context, docID string) error {
	return c.send(ctx, http.MethodDelete, c.docURL(docID), nil)
}

func (c *HTTPClient) send(ctx context.Context, method, rawURL string, body any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return ingest.WrapError(ingest.CodeIndexWrite, false, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return ingest.WrapError(ingest.CodeIndexWrite, false, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ingest.WrapError(ingest.CodeIndexWrite, true, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case method == http.MethodDelete && resp.StatusCode == http.StatusNotFound:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return ingest.WrapError(ingest.CodeIndexWrite, true,
			fmt.Errorf("index returned %d", resp.StatusCode))
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return ingest.WrapError(ingest.CodeIndexWrite, false,
			fmt.Errorf("index rejected write: %d %s", resp.StatusCode, strings.TrimSpace(string(msg))))
	}
}

// Memory is an in-memory Client for tests.
type Memory struct {
	mu   sync.Mutex
	Docs map[string]map[string]any

	// FailUpserts maps document ids to an error injected on Upsert.
	FailUpserts map[string]error
}

// NewMemory creates an empty in-memory index.
func NewMemory() *Memory {
	return &Memory{Docs: map[string]map[string]any{}}
}

func (m *Memory) Upsert(_ context.Context, docID string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.FailUpserts[docID]; ok {
		return err
	}
	cp := make(map[string]any, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	m.Docs[docID] = cp
	return nil
}

func (m *Memory) UpdateFields(_ context.Context, docID string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.Docs[docID]
	if !ok {
		doc = map[string]any{}
		m.Docs[docID] = doc
	}
	for k, v := range fields {
		doc[k] = v
	}
	return nil
}

func (m *Memory) Delete(_ context.Context, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Docs, docID)
	return nil
}

// Len returns the number of stored documents.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Docs)
}

// Get returns a stored document copy, or nil.
func (m *Memory) Get(docID string) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.Docs[docID]
	if !ok {
		return nil
	}
	cp := make(map[string]any, len(doc))
	for k, v := range doc {
		cp[k] = v
	}
	return cp
}
