package openai

import (
	"context"
	"net"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"

	"github.com/go-go-golems/converse/pkg/inference"
)

// Engine implements the completion port against the OpenAI chat completion
// API through sashabaranov/go-openai.
type Engine struct {
	client *go_openai.Client
}

type Option func(*Engine)

// WithClient replaces the default client, mostly for tests and proxies.
func WithClient(client *go_openai.Client) Option {
	return func(e *Engine) {
		e.client = client
	}
}

func NewEngine(apiKey string, options ...Option) *Engine {
	ret := &Engine{
		client: go_openai.NewClient(apiKey),
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
		Msg("openai inference started")

	resp, err := e.client.CreateChatCompletion(ctx, makeCompletionRequest(req))
	if err != nil {
		return nil, mapError(err)
	}

	if len(resp.Choices) == 0 {
		return nil, inference.NewError(inference.KindUnknown, "openai", "completion returned no choices", nil)
	}

	return &inference.Response{
		Content: resp.Choices[0].Message.Content,
		Usage: inference.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

var _ inference.Engine = (*Engine)(nil)

func makeCompletionRequest(req inference.Request) go_openai.ChatCompletionRequest {
	messages := make([]go_openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, go_openai.ChatCompletionMessage{
			Role:    go_openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, m := range req.Messages {
		messages = append(messages, go_openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	ret := go_openai.ChatCompletionRequest{
		Model:    req.ModelID,
		Messages: messages,
	}
	if req.Temperature != nil {
		ret.Temperature = float32(*req.Temperature)
	}
	if req.MaxTokens != nil {
		ret.MaxTokens = *req.MaxTokens
	}
	return ret
}

// mapError folds go-openai errors into the closed provider taxonomy.
func mapError(err error) error {
	var apiErr *go_openai.APIError
	if errors.As(err, &apiErr) {
		kind := inference.KindUnknown
		switch {
		case apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403:
			kind = inference.KindAuth
		case apiErr.HTTPStatusCode == 429:
			kind = inference.KindRateLimited
		case apiErr.HTTPStatusCode >= 500:
			kind = inference.KindTransient
		}
		return inference.NewError(kind, "openai", apiErr.Message, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return inference.NewError(inference.KindTransient, "openai", err.Error(), err)
	}

	return inference.NewError(inference.KindUnknown, "openai", err.Error(), err)
}
