package embedding

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

const (
	defaultGenAIModel      = "gemini-embedding-001"
	defaultGenAIDimensions = 768
)

// GenAI generates embeddings using the Gemini API.
type GenAI struct {
	client     *genai.Client
	model      string
	dimensions int
}

// NewGenAI creates the engine.
func NewGenAI(apiKey, model string, dimensions int) (*GenAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("genai embedding: api key is required")
	}
	if model == "" {
		model = defaultGenAIModel
	}
	if dimensions <= 0 {
		dimensions = defaultGenAIDimensions
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GenAI{client: client, model: model, dimensions: dimensions}, nil
}

// Embed implements Engine.
func (e *GenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch implements Engine using the native batch endpoint.
func (e *GenAI) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}
	result, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
		TaskType: "SEMANTIC_SIMILARITY",
	})
	if err != nil {
		return nil, fmt.Errorf("genai embed: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("genai embed: got %d embeddings for %d texts", len(result.Embeddings), len(texts))
	}
	out := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		out[i] = emb.Values
	}
	return out, nil
}

// Dimensions implements Engine.
func (e *GenAI) Dimensions() int { return e.dimensions }

// Name implements Engine.
func (e *GenAI) Name() string { return "genai:" + e.model }
