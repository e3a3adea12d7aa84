package inference

import (
	"context"

	"github.com/pkg/errors"
)

// EchoEngine replies with the text of the last user message. It needs no
// network or credentials, which makes it useful for tests and offline runs.
type EchoEngine struct{}

func NewEchoEngine() *EchoEngine {
	return &EchoEngine{}
}

func (e *EchoEngine) RunInference(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			return &Response{Content: req.Messages[i].Content}, nil
		}
	}
	return nil, errors.New("no user message to echo")
}

var _ Engine = (*EchoEngine)(nil)
