package ai

import (
	"context"

	"github.com/sashabaranov/go-openai/jsonschema"
)

// CompletionRequest is a single structured-output request to the text-generation backend.
type CompletionRequest struct {
	SystemPrompt string
	UserContent  string
	SchemaName   string
	Schema       *jsonschema.Definition
	Temperature  float32
}

// Completer sends one request to a backend and returns the raw JSON content of the answer.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// Result is the outcome of a structured call. Value always holds a usable instance:
// the validated backend payload on success, the typed default when Err is set.
type Result[T any] struct {
	Value T
	Err   error
}

// OK reports whether the backend produced a valid payload.
func (r Result[T]) OK() bool {
	return r.Err == nil
}
