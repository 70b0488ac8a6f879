package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// OpenAIConfig configures the OpenAI embedding client.
type OpenAIConfig struct {
	APIKey        string
	BaseURL       string
	Model         string
	Dimensions    int
	CostPer1K     float64
	Timeout       time.Duration
	MaxBatchBytes int
}

// OpenAI calls the OpenAI embeddings endpoint.
type OpenAI struct {
	cfg    OpenAIConfig
	client *http.Client
}

func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key not configured")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("openai embedding model not configured")
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("openai embedding dimensions must be positive")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &OpenAI{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}, nil
}

func (p *OpenAI) Dimensions() int { return p.cfg.Dimensions }

// EstimateCost approximates token count at four bytes per token, the same
// rough heuristic the provider documentation suggests for English text.
func (p *OpenAI) EstimateCost(inputs []string) float64 {
	var size int
	for _, in := range inputs {
		size += len(in)
	}
	tokens := float64(size) / 4.0
	return tokens / 1000.0 * p.cfg.CostPer1K
}

func (p *OpenAI) Cost(usage Usage) float64 {
	tokens := usage.TotalTokens
	if tokens == 0 {
		tokens = usage.PromptTokens
	}
	return float64(tokens) / 1000.0 * p.cfg.CostPer1K
}

func (p *OpenAI) Embed(ctx context.Context, inputs []string) (*EmbedResponse, error) {
	if len(inputs) == 0 {
		return &EmbedResponse{Model: p.cfg.Model}, nil
	}

	body, err := json.Marshal(map[string]interface{}{
		"model": p.cfg.Model,
		"input": inputs,
	})
	if err != nil {
		return nil, &Error{Kind: KindBadRequest, Msg: "marshal request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/embeddings", bytes.NewBuffer(body))
	if err != nil {
		return nil, &Error{Kind: KindBadRequest, Msg: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return nil, &Error{Kind: KindTimeout, Msg: "request timed out", Err: err}
		}
		return nil, &Error{Kind: KindUnavailable, Msg: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, classifyStatus(resp.StatusCode, string(detail))
	}

	var out struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
		Model string `json:"model"`
		Usage struct {
			PromptTokens int64 `json:"prompt_tokens"`
			TotalTokens  int64 `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &Error{Kind: KindMalformed, Msg: "decode response", Err: err}
	}

	if len(out.Data) != len(inputs) {
		return nil, &Error{Kind: KindMalformed, Msg: fmt.Sprintf("expected %d vectors, got %d", len(inputs), len(out.Data))}
	}
	vectors := make([][]float32, len(inputs))
	for _, d := range out.Data {
		if d.Index < 0 || d.Index >= len(inputs) {
			return nil, &Error{Kind: KindMalformed, Msg: fmt.Sprintf("vector index %d out of range", d.Index)}
		}
		if len(d.Embedding) != p.cfg.Dimensions {
			return nil, &Error{Kind: KindMalformed, Msg: fmt.Sprintf("vector has %d dimensions, want %d", len(d.Embedding), p.cfg.Dimensions)}
		}
		vectors[d.Index] = d.Embedding
	}
	for i, v := range vectors {
		if v == nil {
			return nil, &Error{Kind: KindMalformed, Msg: fmt.Sprintf("missing vector for input %d", i)}
		}
	}

	model := out.Model
	if model == "" {
		model = p.cfg.Model
	}
	return &EmbedResponse{
		Vectors: vectors,
		Usage:   Usage{PromptTokens: out.Usage.PromptTokens, TotalTokens: out.Usage.TotalTokens},
		Model:   model,
	}, nil
}

func classifyStatus(status int, detail string) *Error {
	switch {
	case status == http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimited, Status: status, Msg: detail}
	case status == http.StatusRequestTimeout:
		return &Error{Kind: KindTimeout, Status: status, Msg: detail}
	case status >= 500:
		return &Error{Kind: KindUnavailable, Status: status, Msg: detail}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Kind: KindAuth, Status: status, Msg: detail}
	default:
		return &Error{Kind: KindBadRequest, Status: status, Msg: detail}
	}
}
