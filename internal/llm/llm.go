// Package llm provides the completion capability consumed by server-managed
// agents, plus the tool-result synthesizer built on top of it.
package llm

import "context"

// CompletionClient is the single capability the conversation core needs from
// a language model: one prompt in, one text completion out.
type CompletionClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// CompletionFunc adapts a function to the CompletionClient interface. Tests
// use this for scripted policies.
type CompletionFunc func(ctx context.Context, prompt string) (string, error)

// Complete implements CompletionClient.
func (f CompletionFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}
