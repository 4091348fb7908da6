package embed

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sync/atomic"

	"github.com/ollama/ollama/api"
)

type Ollama struct {
	client *api.Client
	model  string
	dims   atomic.Int64
}

// NewOllama connects to baseURL, falling back to OLLAMA_HOST and then the
// local default.
func NewOllama(baseURL, model string) (*Ollama, error) {
	if model == "" {
		model = "nomic-embed-text"
	}

	if baseURL == "" {
		baseURL = "http://localhost:11434"
		if envURL := os.Getenv("OLLAMA_HOST"); envURL != "" {
			baseURL = envURL
		}
	}
	uri, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama url: %w", err)
	}

	return &Ollama{
		client: api.NewClient(uri, http.DefaultClient),
		model:  model,
	}, nil
}

func (e *Ollama) Name() string {
	return "ollama"
}

// Dimensions is learned from the first successful call.
func (e *Ollama) Dimensions() int {
	return int(e.dims.Load())
}

func (e *Ollama) Embed(ctx context.Context, text string) ([]float32, error) {
	req := &api.EmbeddingRequest{
		Model:  e.model,
		Prompt: text,
	}
	resp, err := e.client.Embeddings(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("ollama embedding failed: %w", err)
	}
	vec := make([]float32, len(resp.Embedding))
	for i, v := range resp.Embedding {
		vec[i] = float32(v)
	}
	e.dims.Store(int64(len(vec)))
	return vec, nil
}
