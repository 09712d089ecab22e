// Package inference describes the generative model capability the relay
// depends on. Implementations live in subpackages.
package inference

import (
	"context"
	"errors"
)

// Output selects the structured response shape requested from the model. The
// zero value leaves the response unconstrained.
type Output int

const (
	// OutputSignal requests a JSON object with type/title/description/
	// suggestedResponse/confidence.
	OutputSignal Output = iota + 1
	// OutputCodeSnippets requests a JSON object mapping language name to
	// source text.
	OutputCodeSnippets
)

func (o Output) String() string {
	switch o {
	case OutputSignal:
		return "signal"
	case OutputCodeSnippets:
		return "code_snippets"
	default:
		return "text"
	}
}

// Request is one generate call. Either Text or Audio (or both) must be set.
type Request struct {
	SystemInstruction string
	Text              string
	Audio             []byte
	AudioMIMEType     string
	Temperature       float32
	Output            Output
	// Languages lists the snippet keys expected when Output is OutputCodeSnippets.
	Languages []string
}

// Client performs a single, non-streaming generate call and returns the raw
// model text.
type Client interface {
	Generate(ctx context.Context, req Request) (string, error)
}

var (
	// ErrEmptyRequest is returned when a request carries neither text nor audio.
	ErrEmptyRequest = errors.New("inference request has no content")
	// ErrEmptyResponse is returned when the model produced no text.
	ErrEmptyResponse = errors.New("inference response is empty")
)

// Validate reports whether req carries content.
func (r Request) Validate() error {
	if r.Text == "" && len(r.Audio) == 0 {
		return ErrEmptyRequest
	}
	return nil
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, req Request) (string, error)

func (f ClientFunc) Generate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}
