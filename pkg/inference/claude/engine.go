package claude

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/converse/pkg/inference"
)

// The messages API requires max_tokens; used when the request leaves it unset.
const defaultMaxTokens = 4096

// Engine implements the completion port against the Anthropic messages API.
type Engine struct {
	client *Client
}

type Option func(*Engine)

func WithClient(client *Client) Option {
	return func(e *Engine) {
		e.client = client
	}
}

func NewEngine(apiKey string, options ...Option) *Engine {
	ret := &Engine{
		client: NewClient(apiKey),
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

func (e *Engine) RunInference(ctx context.Context, req inference.Request) (*inference.Response, error) {
	log.Debug().
		Str("model", req.ModelID).
		Int("num_messages", len(req.Messages)).
		Msg("claude inference started")

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	resp, err := e.client.complete(makeRequest(req))
	if err != nil {
		return nil, err
	}

	var texts []string
	for _, block := range resp.Content {
		if block.Type == "text" {
			texts = append(texts, block.Text)
		}
	}

	return &inference.Response{
		Content: strings.Join(texts, ""),
		Usage: inference.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
		},
	}, nil
}

var _ inference.Engine = (*Engine)(nil)

func makeRequest(req inference.Request) *request {
	maxTokens := defaultMaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	// The messages API takes the system prompt as a top-level field and only
	// accepts alternating user/assistant roles in the message list.
	messages := make([]paramMessage, 0, len(req.Messages))
	system := req.SystemPrompt
	for _, m := range req.Messages {
		if m.Role == "system" {
			if system == "" {
				system = m.Content
			}
			continue
		}
		messages = append(messages, paramMessage{Role: m.Role, Content: m.Content})
	}

	return &request{
		Model:       req.ModelID,
		MaxTokens:   maxTokens,
		System:      system,
		Messages:    messages,
		Temperature: req.Temperature,
	}
}
