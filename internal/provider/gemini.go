package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// GeminiBaseURL is the default Generative Language API endpoint.
const GeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Gemini streams completions from the Generative Language API over SSE.
// Function calls carry no IDs on this API, so each one gets a synthetic ID
// that only has to be stable within the turn.
type Gemini struct {
	apiKey  string
	baseURL string
	model   string
	http    *http.Client
	logger  *zap.Logger
}

// NewGemini builds the client.
func NewGemini(apiKey, baseURL, model string, logger *zap.Logger) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: %w", ErrNotConfigured)
	}
	if model == "" {
		return nil, fmt.Errorf("gemini: model is required")
	}
	if baseURL == "" {
		baseURL = GeminiBaseURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gemini{
		apiKey:  apiKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		http:    &http.Client{Timeout: 10 * time.Minute},
		logger:  logger.Named("gemini"),
	}, nil
}

// Name implements Provider.
func (g *Gemini) Name() string { return "gemini" }

// Probe implements Provider by fetching the model metadata.
func (g *Gemini) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()
	url := fmt.Sprintf("%s/models/%s?key=%s", g.baseURL, g.model, g.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return fmt.Errorf("gemini probe: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("gemini probe: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Stream implements Provider.
func (g *Gemini) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	body, err := g.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", g.baseURL, g.model, g.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := g.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return nil, fmt.Errorf("gemini stream: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	out := make(chan Chunk, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		var usage Usage
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" || data == "[DONE]" {
				continue
			}
			var chunk geminiResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			if chunk.Error != nil {
				emit(ctx, out, Chunk{Type: ChunkError, Err: fmt.Errorf("gemini stream: %s", chunk.Error.Message)})
				return
			}
			if chunk.UsageMetadata != nil {
				usage.InputTokens = chunk.UsageMetadata.PromptTokenCount
				usage.OutputTokens = chunk.UsageMetadata.CandidatesTokenCount
			}
			if len(chunk.Candidates) == 0 {
				continue
			}
			for _, part := range chunk.Candidates[0].Content.Parts {
				if part.Text != "" {
					if !emit(ctx, out, Chunk{Type: ChunkText, Text: part.Text}) {
						return
					}
				}
				if part.FunctionCall != nil {
					args := part.FunctionCall.Args
					if args == nil {
						args = map[string]any{}
					}
					call := &ToolCall{
						ID:   "gemini-" + uuid.NewString(),
						Name: part.FunctionCall.Name,
						Args: args,
					}
					if !emit(ctx, out, Chunk{Type: ChunkToolCall, ToolCall: call}) {
						return
					}
				}
			}
		}
		if err := scanner.Err(); err != nil {
			emit(ctx, out, Chunk{Type: ChunkError, Err: fmt.Errorf("gemini stream: %w", err)})
			return
		}
		if err := ctx.Err(); err != nil {
			emit(ctx, out, Chunk{Type: ChunkError, Err: err})
			return
		}
		emit(ctx, out, Chunk{Type: ChunkDone, Usage: &usage})
	}()
	return out, nil
}

func (g *Gemini) encodeRequest(req Request) ([]byte, error) {
	body := geminiRequest{}
	if req.System != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}
	if req.MaxTokens > 0 {
		body.GenerationConfig = &geminiGenerationConfig{MaxOutputTokens: req.MaxTokens}
	}

	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			if body.SystemInstruction == nil {
				body.SystemInstruction = &geminiContent{}
			}
			body.SystemInstruction.Parts = append(body.SystemInstruction.Parts, geminiPart{Text: m.Content})
		case "user":
			body.Contents = append(body.Contents, geminiContent{
				Role:  "user",
				Parts: []geminiPart{{Text: m.Content}},
			})
		case "assistant":
			content := geminiContent{Role: "model"}
			if m.Content != "" {
				content.Parts = append(content.Parts, geminiPart{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				content.Parts = append(content.Parts, geminiPart{
					FunctionCall: &geminiFunctionCall{Name: tc.Name, Args: tc.Args},
				})
			}
			if len(content.Parts) > 0 {
				body.Contents = append(body.Contents, content)
			}
		case "tool":
			var payload map[string]any
			if err := json.Unmarshal([]byte(m.Content), &payload); err != nil {
				payload = map[string]any{"output": m.Content}
			}
			body.Contents = append(body.Contents, geminiContent{
				Role: "user",
				Parts: []geminiPart{{
					FunctionResponse: &geminiFunctionResponse{
						Name:     m.ToolName,
						Response: payload,
					},
				}},
			})
		default:
			return nil, fmt.Errorf("gemini: unsupported role %q", m.Role)
		}
	}
	if len(body.Contents) == 0 {
		return nil, fmt.Errorf("gemini: at least one message is required")
	}

	if len(req.Tools) > 0 {
		decls := make([]geminiFunctionDeclaration, 0, len(req.Tools))
		for _, def := range req.Tools {
			decls = append(decls, geminiFunctionDeclaration{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			})
		}
		body.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}
	return json.Marshal(body)
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
	Tools             []geminiTool            `json:"tools,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type geminiFunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDeclaration `json:"functionDeclarations"`
}

type geminiFunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}
