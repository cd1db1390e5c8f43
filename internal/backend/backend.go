// Package backend is the boundary to the language model. A Backend turns a
// request into a finite, pull-based stream of events; adapters translate the
// Anthropic, OpenAI and Google SDK streams into that shape.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/codefionn/turnloop/internal/conversation"
	"github.com/codefionn/turnloop/internal/tools"
)

// ToolSchema describes one tool offered to the model.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// SchemasFromSpecs converts registry specs to request schemas.
func SchemasFromSpecs(specs []tools.Spec) []ToolSchema {
	out := make([]ToolSchema, 0, len(specs))
	for _, s := range specs {
		out = append(out, ToolSchema{Name: s.Name(), Description: s.Description(), Parameters: s.Parameters()})
	}
	return out
}

// Request is one backend call.
type Request struct {
	System   string
	Messages []conversation.Message
	Tools    []ToolSchema
}

// Usage holds the token counters reported by the backend.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Event is one item of a response stream.
type Event interface {
	event()
}

// TextDelta is a fragment of assistant text.
type TextDelta struct {
	Text string
}

// ToolCallStart opens a tool invocation.
type ToolCallStart struct {
	ID   string
	Name string
}

// ToolCallArguments carries a fragment of the JSON arguments of a call.
type ToolCallArguments struct {
	ID       string
	Fragment string
}

// ToolCallEnd closes a tool invocation.
type ToolCallEnd struct {
	ID string
}

// Done is the last event of a successful stream.
type Done struct {
	Usage      Usage
	StopReason string
}

func (TextDelta) event()         {}
func (ToolCallStart) event()     {}
func (ToolCallArguments) event() {}
func (ToolCallEnd) event()       {}
func (Done) event()              {}

// Stream is a finite, non-restartable sequence of events. Next returns io.EOF
// after the last event. Close releases the underlying connection and may be
// called at any time.
type Stream interface {
	Next() (Event, error)
	Close() error
}

// Backend sends a request and returns its response stream.
type Backend interface {
	Send(ctx context.Context, req Request) (Stream, error)
}

// ErrUnknownProvider is returned by New for an unsupported provider name.
var ErrUnknownProvider = errors.New("unknown provider")

// TransportError wraps a failure talking to the backend.
type TransportError struct {
	Provider string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s backend: %v", e.Provider, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func transportError(provider string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Provider: provider, Err: err}
}

// IsTransportError reports whether err is a backend failure. Cancellation is
// not: a cancelled request is reconciled, not reset.
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// Config selects and configures an SDK adapter.
type Config struct {
	Provider  string
	Model     string
	APIKey    string
	MaxTokens int
	// BaseURL overrides the API endpoint, mainly for tests and proxies.
	BaseURL string
}

// New creates the adapter named by cfg.Provider.
func New(ctx context.Context, cfg Config) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "anthropic":
		return NewAnthropic(cfg)
	case "openai":
		return NewOpenAI(cfg)
	case "google", "gemini":
		return NewGoogle(ctx, cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
}
