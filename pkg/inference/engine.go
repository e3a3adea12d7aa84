package inference

import "context"

// Engine is the completion port: it submits a prompt history to a hosted
// provider and returns the reply or a provider fault. Implementations handle
// provider-specific wire logic for services like OpenAI or Claude.
type Engine interface {
	// RunInference processes the request and returns the generated response.
	RunInference(ctx context.Context, req Request) (*Response, error)
}

// Message is one turn handed to a completion provider. Roles follow the
// conversation package ("system", "user", "assistant") but are kept as plain
// strings so providers stay decoupled from the record types.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request carries the full ordered message history of a conversation plus the
// pass-through generation configuration. The engine layer owns none of these
// knobs; it forwards what the conversation and settings specify.
type Request struct {
	ModelID      string    `json:"modelId"`
	Provider     string    `json:"provider"`
	Messages     []Message `json:"messages"`
	SystemPrompt string    `json:"systemPrompt,omitempty"`
	Temperature  *float64  `json:"temperature,omitempty"`
	MaxTokens    *int      `json:"maxTokens,omitempty"`
}

// Usage is the provider-reported token accounting, zero when unreported.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
}

// Response is a whole completion. No token-by-token streaming contract is
// assumed at this layer; the reply arrives as one unit.
type Response struct {
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}
