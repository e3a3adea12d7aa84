package factory

import (
	"github.com/pkg/errors"

	"github.com/go-go-golems/converse/pkg/inference"
	"github.com/go-go-golems/converse/pkg/inference/claude"
	"github.com/go-go-golems/converse/pkg/inference/openai"
)

// NewEngine builds a completion engine for the named provider. The provider
// string is the same one stored on the conversation record.
func NewEngine(provider string, apiKey string) (inference.Engine, error) {
	switch provider {
	case "openai":
		if apiKey == "" {
			return nil, errors.New("openai provider requires an api key")
		}
		return openai.NewEngine(apiKey), nil
	case "claude", "anthropic":
		if apiKey == "" {
			return nil, errors.New("claude provider requires an api key")
		}
		return claude.NewEngine(apiKey), nil
	case "echo":
		return inference.NewEchoEngine(), nil
	}
	return nil, errors.Errorf("unknown provider %q", provider)
}
