// Package embedding provides batch vector embedding for documents and
// queries. Supports two backends: Google GenAI (cloud) and Ollama (local).
package embedding

import (
	"context"
	"fmt"

	"erpmirror/internal/logging"
)

// Role distinguishes what the text will be used for. Backends that support
// task types translate it (GenAI: RETRIEVAL_DOCUMENT / RETRIEVAL_QUERY).
type Role string

const (
	RoleDocument Role = "document"
	RoleQuery    Role = "query"
)

// Dimensions is the vector size of the collection. All backends must
// produce vectors of this length.
const Dimensions = 1024

// maxBatch is the largest sub-batch sent to a backend in one call.
const maxBatch = 100

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates the embedding for a single text.
	Embed(ctx context.Context, text string, role Role) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts. The result has
	// exactly one vector per input in the same order; partial failure is
	// an error for the whole batch.
	EmbedBatch(ctx context.Context, texts []string, role Role) ([][]float32, error)

	// Dimensions returns the dimensionality of produced embeddings.
	Dimensions() int

	// Name returns the engine name.
	Name() string
}

// HealthChecker is an optional interface for engines that support health
// checks before batch operations.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Config holds embedding engine configuration.
type Config struct {
	// Provider: "genai" or "ollama"
	Provider string `yaml:"provider"`

	// GenAI configuration
	GenAIAPIKey string `yaml:"genai_api_key"`
	GenAIModel  string `yaml:"genai_model"` // default "gemini-embedding-001"

	// Ollama configuration
	OllamaEndpoint string `yaml:"ollama_endpoint"` // default "http://localhost:11434"
	OllamaModel    string `yaml:"ollama_model"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Provider:       "genai",
		GenAIModel:     "gemini-embedding-001",
		OllamaEndpoint: "http://localhost:11434",
		OllamaModel:    "embeddinggemma",
	}
}

// NewEngine creates an embedding engine based on configuration.
func NewEngine(cfg Config) (Engine, error) {
	timer := logging.StartTimer(logging.CategoryEmbed, "NewEngine")
	defer timer.Stop()

	logging.Embedding("Creating embedding engine with provider=%s", cfg.Provider)

	switch cfg.Provider {
	case "genai", "":
		return NewGenAIEngine(cfg.GenAIAPIKey, cfg.GenAIModel)
	case "ollama":
		return NewOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel)
	}
	return nil, fmt.Errorf("unsupported embedding provider: %s (use 'genai' or 'ollama')", cfg.Provider)
}

// batched invokes fn over sub-batches of at most maxBatch texts and splices
// the results, preserving order and the one-vector-per-input guarantee.
func batched(ctx context.Context, texts []string, fn func(context.Context, []string) ([][]float32, error)) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxBatch {
		end := start + maxBatch
		if end > len(texts) {
			end = len(texts)
		}
		chunk, err := fn(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		if len(chunk) != end-start {
			return nil, fmt.Errorf("backend returned %d vectors for %d texts", len(chunk), end-start)
		}
		out = append(out, chunk...)
	}
	return out, nil
}
