package backend

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/codefionn/turnloop/internal/conversation"
)

// ScriptedTurn is the canned answer to one Send call. If SendErr is set, Send
// fails. Otherwise Events are streamed, followed by StreamErr or io.EOF.
type ScriptedTurn struct {
	Events    []Event
	StreamErr error
	SendErr   error
	// OnNext runs before each event is returned, with the event index. Tests
	// use it to cancel mid-stream.
	OnNext func(i int)
}

// Scripted is an in-memory backend replaying turns in order. It records every
// request it receives.
type Scripted struct {
	mu       sync.Mutex
	turns    []ScriptedTurn
	requests []Request
}

// NewScripted creates a backend that answers with turns in order.
func NewScripted(turns ...ScriptedTurn) *Scripted {
	return &Scripted{turns: turns}
}

// ErrScriptExhausted is returned once every scripted turn was used.
var ErrScriptExhausted = errors.New("scripted backend has no more turns")

// Push appends more turns.
func (s *Scripted) Push(turns ...ScriptedTurn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, turns...)
}

// Send returns the next scripted stream.
func (s *Scripted) Send(ctx context.Context, req Request) (Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, Request{
		System:   req.System,
		Messages: conversation.CloneMessages(req.Messages),
		Tools:    append([]ToolSchema(nil), req.Tools...),
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(s.turns) == 0 {
		return nil, &TransportError{Provider: "scripted", Err: ErrScriptExhausted}
	}
	turn := s.turns[0]
	s.turns = s.turns[1:]
	if turn.SendErr != nil {
		return nil, turn.SendErr
	}
	return &scriptedStream{ctx: ctx, turn: turn}, nil
}

// Requests returns copies of the requests received so far.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Remaining returns the number of unused turns.
func (s *Scripted) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

type scriptedStream struct {
	ctx    context.Context
	turn   ScriptedTurn
	pos    int
	closed bool
}

func (s *scriptedStream) Next() (Event, error) {
	if s.closed {
		return nil, io.EOF
	}
	if s.pos < len(s.turn.Events) && s.turn.OnNext != nil {
		s.turn.OnNext(s.pos)
	}
	if err := s.ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.turn.Events) {
		if s.turn.StreamErr != nil {
			return nil, s.turn.StreamErr
		}
		return nil, io.EOF
	}
	ev := s.turn.Events[s.pos]
	s.pos++
	return ev, nil
}

func (s *scriptedStream) Close() error {
	s.closed = true
	return nil
}

// TextTurn is a turn answering with plain text.
func TextTurn(text string) ScriptedTurn {
	return ScriptedTurn{Events: []Event{
		TextDelta{Text: text},
		Done{StopReason: "end_turn", Usage: Usage{InputTokens: 10, OutputTokens: len(text) / 4}},
	}}
}

// ToolCall is a complete invocation for ToolTurn.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolTurn is a turn answering with optional text followed by tool calls.
// Arguments are streamed in two fragments to exercise reassembly.
func ToolTurn(text string, calls ...ToolCall) ScriptedTurn {
	var events []Event
	if text != "" {
		events = append(events, TextDelta{Text: text})
	}
	for _, c := range calls {
		events = append(events, ToolCallStart{ID: c.ID, Name: c.Name})
		half := len(c.Arguments) / 2
		events = append(events,
			ToolCallArguments{ID: c.ID, Fragment: c.Arguments[:half]},
			ToolCallArguments{ID: c.ID, Fragment: c.Arguments[half:]},
			ToolCallEnd{ID: c.ID},
		)
	}
	events = append(events, Done{StopReason: "tool_use", Usage: Usage{InputTokens: 10, OutputTokens: 5}})
	return ScriptedTurn{Events: events}
}
