package progress

import "strings"

// Kind classifies an update so front-ends can route it.
type Kind int

const (
	// KindText is streamed assistant text.
	KindText Kind = iota
	// KindStatus is a transient status line (tool started, retrying, ...).
	KindStatus
	// KindToolResult reports the outcome of a single tool invocation.
	KindToolResult
)

// Update describes a progress or streaming message emitted by the loop.
type Update struct {
	Kind Kind
	// Message is the content to deliver to the UI.
	Message string
	// ToolName is set for tool-related updates.
	ToolName string
	// Failed marks a tool result that carried an error or was rejected.
	Failed bool
	// AddNewLine appends a newline to Message if one is not already present.
	AddNewLine bool
}

// ShouldStream reports whether the update belongs in the content stream.
func (u Update) ShouldStream() bool {
	return u.Kind == KindText
}

// Callback receives progress updates.
type Callback func(Update) error

// Normalize applies the requested formatting (currently newline handling).
func Normalize(update Update) Update {
	if update.AddNewLine && update.Message != "" && !strings.HasSuffix(update.Message, "\n") {
		update.Message += "\n"
	}
	return update
}

// Dispatch normalizes and sends the update if the callback is set.
func Dispatch(cb Callback, update Update) error {
	if cb == nil {
		return nil
	}
	return cb(Normalize(update))
}
