package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// OllamaEmbedder calls the embeddings endpoint of an Ollama server.
type OllamaEmbedder struct {
	baseURL    string
	httpClient *http.Client
	model      string
	dim        int
}

var _ Embedder = (*OllamaEmbedder)(nil)

type OllamaConfig struct {
	BaseURL    string
	Model      string
	Dimension  int
	HTTPClient *http.Client
}

func (cfg *OllamaConfig) Validate() error {
	if cfg.BaseURL == "" {
		return errors.New("base url is required")
	}
	if cfg.Model == "" {
		return errors.New("model is required")
	}
	if cfg.Dimension <= 0 {
		return errors.New("dimension must be greater than 0")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return nil
}

func NewOllamaEmbedder(cfg OllamaConfig) (*OllamaEmbedder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &OllamaEmbedder{
		baseURL:    cfg.BaseURL,
		httpClient: cfg.HTTPClient,
		model:      cfg.Model,
		dim:        cfg.Dimension,
	}, nil
}

func (o *OllamaEmbedder) Name() string   { return "ollama/" + o.model }
func (o *OllamaEmbedder) Dimension() int { return o.dim }

type ollamaEmbeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbeddingResponse struct {
	Embedding []float64 `json:"embedding"`
	Error     string    `json:"error,omitempty"`
}

func (o *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	b, err := json.Marshal(ollamaEmbeddingRequest{Model: o.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("json marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/embeddings", bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, fmt.Errorf("ollama embeddings http %d: %s", resp.StatusCode, string(body))
	}

	var out ollamaEmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("ollama error: %s", out.Error)
	}
	if len(out.Embedding) != o.dim {
		return nil, fmt.Errorf("ollama returned %d dimensions, want %d", len(out.Embedding), o.dim)
	}

	v := make([]float32, len(out.Embedding))
	for i, x := range out.Embedding {
		v[i] = float32(x)
	}
	return v, nil
}
