// Package ragflow provides a client for the RAGFlow REST API v1.
//
// All network calls to RAGFlow go through this package so the rest of the
// application stays decoupled from raw HTTP details.
package ragflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Default base URL for a local RAGFlow deployment.
const defaultBaseURL = "http://localhost:9380"

// Client defines the RAGFlow API operations.
type Client interface {
	// Datasets
	ListDatasets(ctx context.Context, name string) ([]Dataset, error)
	CreateDataset(ctx context.Context, name string, opts map[string]any) (string, error)
	DeleteDatasets(ctx context.Context, ids []string) error
	// EnsureDataset deletes any dataset already named name, then creates a
	// fresh one, so the caller always gets a clean, empty dataset.
	EnsureDataset(ctx context.Context, name string, opts map[string]any) (string, error)

	// Documents
	UploadDocument(ctx context.Context, datasetID, filename string, data []byte) (string, error)
	DeleteDocuments(ctx context.Context, datasetID string, ids []string) error
	StartParsing(ctx context.Context, datasetID string, documentIDs []string) error
	ListDocuments(ctx context.Context, datasetID string) ([]DocumentInfo, error)

	// Chat assistants
	ListChats(ctx context.Context, name string) ([]Chat, error)
	CreateChat(ctx context.Context, req ChatRequest) (string, error)
	DeleteChats(ctx context.Context, ids []string) error
	// EnsureChat deletes any chat assistant already named req.Name, then
	// creates a fresh one.
	EnsureChat(ctx context.Context, req ChatRequest) (string, error)

	// Sessions & completions
	CreateSession(ctx context.Context, chatID string) (string, error)
	Ask(ctx context.Context, chatID, sessionID, question string) (*Completion, error)
}

// Dataset is a RAGFlow dataset summary.
type Dataset struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Chat is a RAGFlow chat assistant summary.
type Chat struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// DocumentInfo is one document's state inside a dataset, normalized from the
// raw RAGFlow response. Status is derived from Run and Progress: a failure
// marker yields "failed", progress >= 0.999 yields "success", progress > 0
// yields "running", anything else "pending".
type DocumentInfo struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Run         string  `json:"run"`
	Progress    float64 `json:"progress"`
	ProgressMsg string  `json:"progress_msg"`
	Status      string  `json:"status"`
}

// ChatRequest describes a chat assistant to create.
type ChatRequest struct {
	Name                string
	DatasetIDs          []string
	SimilarityThreshold float64
	TopN                int
	Extra               map[string]any
}

// Completion is the non-streaming response to one question.
type Completion struct {
	Answer    string         `json:"answer"`
	Reference ReferenceBlock `json:"reference"`
}

// ReferenceBlock holds the retrieved chunks backing a completion.
type ReferenceBlock struct {
	Chunks []Chunk `json:"chunks"`
	Total  int     `json:"total"`
}

// Chunk is one retrieved chunk. Positions is a list of positional vectors;
// only the first is meaningful, and its interpretation depends on the source
// document type (see ExtractReferences).
type Chunk struct {
	DocumentName string      `json:"document_name"`
	DocumentID   string      `json:"document_id"`
	ImageID      string      `json:"image_id"`
	Content      string      `json:"content"`
	Positions    [][]float64 `json:"positions"`
}

// ConnectError indicates the RAGFlow server could not be reached.
type ConnectError struct {
	URL string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("ragflow: cannot connect to %s: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// TimeoutError indicates a request exceeded the client timeout.
type TimeoutError struct {
	URL string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("ragflow: request to %s timed out: %v", e.URL, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// APIError is returned when RAGFlow responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ragflow: HTTP %d: %s", e.StatusCode, e.Body)
}

// UpstreamError is returned when RAGFlow answers 2xx but the response
// envelope carries a non-zero code, or the body is not valid JSON.
type UpstreamError struct {
	Code    int
	Message string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("ragflow: upstream error (code %d): %s", e.Code, e.Message)
}

// Option configures the httpClient.
type Option func(*httpClient)

// WithBaseURL overrides the default base URL.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = u
	}
}

// WithHTTPClient sets a custom *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		c.http.Timeout = d
	}
}

// WithRateLimit throttles outbound requests to rps requests per second.
// rps <= 0 disables the limiter.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

// httpClient implements Client using net/http.
type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a new RAGFlow client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 120 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// envelope is the standard RAGFlow response wrapper.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *httpClient) request(ctx context.Context, method, path string, body any, params url.Values) (json.RawMessage, error) {
	var reader io.Reader
	contentType := ""
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, eris.Wrap(err, "ragflow: marshal request")
		}
		reader = bytes.NewReader(buf)
		contentType = "application/json"
	}
	return c.doRequest(ctx, method, path, reader, contentType, params)
}

func (c *httpClient) doRequest(ctx context.Context, method, path string, body io.Reader, contentType string, params url.Values) (json.RawMessage, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "ragflow: rate limit wait")
		}
	}

	fullURL := c.baseURL + path
	if len(params) > 0 {
		fullURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, eris.Wrap(err, "ragflow: create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) && uerr.Timeout() {
			return nil, &TimeoutError{URL: fullURL, Err: err}
		}
		return nil, &ConnectError{URL: c.baseURL, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "ragflow: read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: truncate(string(data), 500)}
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &UpstreamError{Message: "non-JSON response: " + truncate(string(data), 300)}
	}
	if env.Code != 0 {
		return nil, &UpstreamError{Code: env.Code, Message: env.Message}
	}
	return env.Data, nil
}

// upload posts a single file as multipart/form-data under the "file" field.
func (c *httpClient) upload(ctx context.Context, path, filename string, data []byte) (json.RawMessage, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return nil, eris.Wrap(err, "ragflow: create form file")
	}
	if _, err := part.Write(data); err != nil {
		return nil, eris.Wrap(err, "ragflow: write form file")
	}
	if err := w.Close(); err != nil {
		return nil, eris.Wrap(err, "ragflow: close multipart writer")
	}
	return c.doRequest(ctx, http.MethodPost, path, &buf, w.FormDataContentType(), nil)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
