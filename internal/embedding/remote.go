package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// DefaultRemoteURL is the default inference server endpoint.
	DefaultRemoteURL = "http://localhost:8765"

	// DefaultRemoteModel is the default model served remotely.
	DefaultRemoteModel = "clap_htsat_fused_48k"

	// DefaultRemoteDimensions is the output dimension of the default model.
	DefaultRemoteDimensions = 512

	// DefaultTimeout is the timeout for embedding requests. Batches on a
	// busy GPU can take a while to read back.
	DefaultTimeout = 60 * time.Second

	// apiPathModels lists the models the server can run.
	apiPathModels = "/api/models"

	// apiPathEmbed computes embeddings for a batch of clips.
	apiPathEmbed = "/api/embed"
)

// StatusError is returned when the inference server answers with a
// non-200 status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("inference server returned status %d: %s", e.Code, e.Body)
}

// Temporary reports whether retrying may help: server errors and rate
// limiting are temporary, rejected input is not.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// RemoteEmbedder computes embeddings on an HTTP inference server.
type RemoteEmbedder struct {
	baseURL    string
	model      string
	dimensions int
	batch      int
	client     *http.Client
}

// RemoteOption configures a RemoteEmbedder.
type RemoteOption func(*RemoteEmbedder)

// WithBaseURL sets the server base URL.
func WithBaseURL(url string) RemoteOption {
	return func(p *RemoteEmbedder) {
		p.baseURL = url
	}
}

// WithModel sets the model to request.
func WithModel(model string) RemoteOption {
	return func(p *RemoteEmbedder) {
		p.model = model
	}
}

// WithDimensions sets the expected vector dimensions.
func WithDimensions(dims int) RemoteOption {
	return func(p *RemoteEmbedder) {
		p.dimensions = dims
	}
}

// WithBatchSize sets the preferred micro-batch size.
func WithBatchSize(n int) RemoteOption {
	return func(p *RemoteEmbedder) {
		p.batch = n
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(timeout time.Duration) RemoteOption {
	return func(p *RemoteEmbedder) {
		p.client.Timeout = timeout
	}
}

// NewRemoteEmbedder creates a RemoteEmbedder.
func NewRemoteEmbedder(opts ...RemoteOption) *RemoteEmbedder {
	p := &RemoteEmbedder{
		baseURL:    DefaultRemoteURL,
		model:      DefaultRemoteModel,
		dimensions: DefaultRemoteDimensions,
		batch:      DefaultBatchMax,
		client:     &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// doGet performs a GET request to the specified path and returns the response.
// The caller is responsible for closing the response body.
func (p *RemoteEmbedder) doGet(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode, Body: formatErrorBody(resp.Body)}
	}

	return resp, nil
}

// formatErrorBody reads and formats the response body for error messages.
func formatErrorBody(body io.Reader) string {
	respBody, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil {
		return fmt.Sprintf("(failed to read response body: %v)", err)
	}
	return string(respBody)
}

// Embed computes the embedding of one clip.
func (p *RemoteEmbedder) Embed(ctx context.Context, samples []float32, sampleRate uint32) ([]float32, error) {
	vs, err := p.EmbedBatch(ctx, []Clip{{Samples: samples, SampleRate: sampleRate}})
	if err != nil {
		return nil, err
	}
	return vs[0], nil
}

// EmbedBatch sends clips in one request. Every clip must share a sample
// rate; mixed rates are split into separate requests.
func (p *RemoteEmbedder) EmbedBatch(ctx context.Context, clips []Clip) ([][]float32, error) {
	out := make([][]float32, 0, len(clips))
	for start := 0; start < len(clips); {
		end := start + 1
		for end < len(clips) && clips[end].SampleRate == clips[start].SampleRate {
			end++
		}
		vs, err := p.embedSameRate(ctx, clips[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vs...)
		start = end
	}
	return out, nil
}

func (p *RemoteEmbedder) embedSameRate(ctx context.Context, clips []Clip) ([][]float32, error) {
	reqBody := remoteEmbedRequest{
		Model:      p.model,
		SampleRate: clips[0].SampleRate,
		Inputs:     make([][]float32, len(clips)),
	}
	for i, c := range clips {
		if len(c.Samples) == 0 {
			return nil, ErrEmptyAudio
		}
		reqBody.Inputs[i] = c.Samples
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+apiPathEmbed, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode, Body: formatErrorBody(resp.Body)}
	}

	var result remoteEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	if len(result.Embeddings) != len(clips) {
		return nil, fmt.Errorf("server returned %d embeddings for %d clips", len(result.Embeddings), len(clips))
	}
	for _, v := range result.Embeddings {
		if len(v) != p.dimensions {
			return nil, fmt.Errorf("unexpected embedding dimensions: got %d, want %d", len(v), p.dimensions)
		}
	}

	return result.Embeddings, nil
}

// ModelID returns the name of the embedding model.
func (p *RemoteEmbedder) ModelID() string {
	return p.model
}

// Dimensions returns the expected vector dimensions.
func (p *RemoteEmbedder) Dimensions() int {
	return p.dimensions
}

// MaxBatch returns the preferred micro-batch size.
func (p *RemoteEmbedder) MaxBatch() int {
	return p.batch
}

// IsAvailable checks if the server is running and accessible.
func (p *RemoteEmbedder) IsAvailable(ctx context.Context) error {
	resp, err := p.doGet(ctx, apiPathModels)
	if err != nil {
		return fmt.Errorf("inference server is not running: %w", err)
	}
	resp.Body.Close()
	return nil
}

// HasModel checks if the configured model is served.
func (p *RemoteEmbedder) HasModel(ctx context.Context) (bool, error) {
	resp, err := p.doGet(ctx, apiPathModels)
	if err != nil {
		return false, fmt.Errorf("checking models: %w", err)
	}
	defer resp.Body.Close()

	var result remoteModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, fmt.Errorf("decoding response: %w", err)
	}

	for _, m := range result.Models {
		if m.Name == p.model {
			return true, nil
		}
	}

	return false, nil
}

type remoteEmbedRequest struct {
	Model      string      `json:"model"`
	SampleRate uint32      `json:"sample_rate"`
	Inputs     [][]float32 `json:"inputs"`
}

type remoteEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

type remoteModelsResponse struct {
	Models []remoteModel `json:"models"`
}

type remoteModel struct {
	Name string `json:"name"`
}
