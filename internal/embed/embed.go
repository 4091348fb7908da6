// Package embed turns text into vectors for similarity search.
package embed

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Embedder produces a vector for a piece of text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the vector length, or 0 if not yet known.
	Dimensions() int

	// Name identifies the embedder (e.g., "hash", "openai").
	Name() string
}

// Config selects and configures an embedder.
type Config struct {
	Provider   string `mapstructure:"provider"`
	Model      string `mapstructure:"model"`
	APIKey     string `mapstructure:"api_key"`
	BaseURL    string `mapstructure:"base_url"`
	Dimensions int    `mapstructure:"dimensions"`
	CacheSize  int64  `mapstructure:"cache_size"`
}

// New builds the embedder named by cfg.Provider, wrapped in a cache when
// cfg.CacheSize is positive.
func New(cfg Config) (Embedder, error) {
	var (
		e   Embedder
		err error
	)
	switch cfg.Provider {
	case "", "hash":
		e = NewHash(cfg.Dimensions)
	case "openai":
		e, err = NewOpenAI(cfg.APIKey, cfg.BaseURL, cfg.Model)
	case "ollama":
		e, err = NewOllama(cfg.BaseURL, cfg.Model)
	case "gemini":
		e, err = NewGemini(context.Background(), cfg.APIKey, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	if cfg.CacheSize > 0 {
		return NewCached(e, cfg.CacheSize)
	}
	return e, nil
}

// DefaultHashDimensions is used when NewHash is given no size.
const DefaultHashDimensions = 256

// Hash is an offline embedder. Each token is hashed into a bucket, so
// cosine similarity between two vectors reflects shared vocabulary.
type Hash struct {
	dims int
}

// NewHash creates a Hash embedder with dims buckets.
func NewHash(dims int) *Hash {
	if dims <= 0 {
		dims = DefaultHashDimensions
	}
	return &Hash{dims: dims}
}

func (h *Hash) Name() string    { return "hash" }
func (h *Hash) Dimensions() int { return h.dims }

func (h *Hash) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, h.dims)
	for _, tok := range Tokenize(text) {
		f := fnv.New32a()
		f.Write([]byte(tok))
		sum := f.Sum32()
		sign := float32(1)
		if sum&(1<<31) != 0 {
			sign = -1
		}
		vec[int(sum%uint32(h.dims))] += sign
	}
	Normalize(vec)
	return vec, nil
}

// Tokenize lowercases text and splits it on anything that is not a letter
// or digit. Single-character tokens are dropped.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 1 {
			out = append(out, f)
		}
	}
	return out
}

// Normalize scales vec to unit length in place.
func Normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}

// Cosine returns the cosine similarity of a and b, or 0 when their
// lengths differ or either is zero.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
