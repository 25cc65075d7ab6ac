package provider

import (
	"context"
	"fmt"

	"github.com/me/taskbroker/pkg/model"
)

// Request is what a provider receives for one invocation.
type Request struct {
	ItemID   string
	TaskType model.TaskType
	OwnerID  string
	Payload  []byte
}

// Usage is optional token accounting reported by a provider.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// Response is a successful provider answer.
type Response struct {
	Output []byte
	Usage  *Usage
}

// Invoker performs one call to a provider. Failures are returned as
// *model.ProviderError so the broker can classify them.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, req Request) (Response, error)

func (f InvokerFunc) Invoke(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// NewInvoker builds the invoker for spec.Kind.
func NewInvoker(spec model.ProviderSpec) (Invoker, error) {
	switch spec.Kind {
	case model.ProviderKindHTTP:
		return NewHTTPInvoker(spec, nil), nil
	case model.ProviderKindCommand:
		return NewCommandInvoker(spec), nil
	}
	return nil, fmt.Errorf("unknown provider kind %q", spec.Kind)
}
