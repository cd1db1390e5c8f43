// Package conversation holds the message model shared by the pruner, the
// tool coordinator and the conversation loop.
package conversation

import (
	"encoding/json"
	"strings"
)

// Role identifies the producer of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleTool marks a message that carries tool results back to the backend.
	RoleTool Role = "tool"
)

// BlockType discriminates the Block union.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockInvocation BlockType = "tool_invocation"
	BlockResult     BlockType = "tool_result"
)

// ToolInvocation is a backend request to run a named tool.
type ToolInvocation struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolResult answers exactly one ToolInvocation.
type ToolResult struct {
	InvocationID string `json:"invocation_id"`
	Payload      string `json:"payload"`
	IsError      bool   `json:"is_error,omitempty"`
}

// Block is one piece of message content. Exactly one of Text, Invocation or
// Result is meaningful, selected by Type.
type Block struct {
	Type       BlockType       `json:"type"`
	Text       string          `json:"text,omitempty"`
	Invocation *ToolInvocation `json:"invocation,omitempty"`
	Result     *ToolResult     `json:"result,omitempty"`
}

// TextBlock builds a text block.
func TextBlock(text string) Block {
	return Block{Type: BlockText, Text: text}
}

// InvocationBlock builds a tool invocation block.
func InvocationBlock(id, name string, args json.RawMessage) Block {
	return Block{Type: BlockInvocation, Invocation: &ToolInvocation{ID: id, Name: name, Arguments: args}}
}

// ResultBlock builds a tool result block.
func ResultBlock(invocationID, payload string, isError bool) Block {
	return Block{Type: BlockResult, Result: &ToolResult{InvocationID: invocationID, Payload: payload, IsError: isError}}
}

// Message is a single entry in the conversation history.
type Message struct {
	Role    Role    `json:"role"`
	Content []Block `json:"content"`
	// Seq is the chronological position assigned by History.Append. It is
	// stable across pruning and strictly increasing within a history.
	Seq int64 `json:"seq"`
}

// UserText builds a plain-text user message. Seq is assigned on append.
func UserText(text string) Message {
	return Message{Role: RoleUser, Content: []Block{TextBlock(text)}}
}

// AssistantText builds a plain-text assistant message.
func AssistantText(text string) Message {
	return Message{Role: RoleAssistant, Content: []Block{TextBlock(text)}}
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	out := Message{Role: m.Role, Seq: m.Seq}
	if m.Content == nil {
		return out
	}
	out.Content = make([]Block, len(m.Content))
	for i, b := range m.Content {
		out.Content[i] = b.Clone()
	}
	return out
}

// Clone returns a deep copy of b.
func (b Block) Clone() Block {
	c := Block{Type: b.Type, Text: b.Text}
	if b.Invocation != nil {
		inv := *b.Invocation
		if b.Invocation.Arguments != nil {
			inv.Arguments = append(json.RawMessage(nil), b.Invocation.Arguments...)
		}
		c.Invocation = &inv
	}
	if b.Result != nil {
		res := *b.Result
		c.Result = &res
	}
	return c
}

// Invocations returns the tool invocations carried by m, in order.
func (m Message) Invocations() []*ToolInvocation {
	var out []*ToolInvocation
	for _, b := range m.Content {
		if b.Type == BlockInvocation && b.Invocation != nil {
			out = append(out, b.Invocation)
		}
	}
	return out
}

// Results returns the tool results carried by m, in order.
func (m Message) Results() []*ToolResult {
	var out []*ToolResult
	for _, b := range m.Content {
		if b.Type == BlockResult && b.Result != nil {
			out = append(out, b.Result)
		}
	}
	return out
}

// HasInvocations reports whether m carries at least one tool invocation.
func (m Message) HasInvocations() bool {
	return len(m.Invocations()) > 0
}

// HasResults reports whether m carries at least one tool result.
func (m Message) HasResults() bool {
	return len(m.Results()) > 0
}

// IsPlainText reports whether every block of m is text.
func (m Message) IsPlainText() bool {
	if len(m.Content) == 0 {
		return false
	}
	for _, b := range m.Content {
		if b.Type != BlockText {
			return false
		}
	}
	return true
}

// HasText reports whether m carries at least one text block. A user message
// with text opens a new turn; one holding only results continues the current one.
func (m Message) HasText() bool {
	for _, b := range m.Content {
		if b.Type == BlockText {
			return true
		}
	}
	return false
}

// Text concatenates the text blocks of m.
func (m Message) Text() string {
	var sb strings.Builder
	for _, b := range m.Content {
		if b.Type != BlockText {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(b.Text)
	}
	return sb.String()
}

// SearchableText returns every human-readable string in m: text, tool names,
// arguments and result payloads. Used for scoring and path detection.
func (m Message) SearchableText() string {
	var sb strings.Builder
	for _, b := range m.Content {
		switch b.Type {
		case BlockText:
			sb.WriteString(b.Text)
		case BlockInvocation:
			if b.Invocation != nil {
				sb.WriteString(b.Invocation.Name)
				sb.WriteString(" ")
				sb.Write(b.Invocation.Arguments)
			}
		case BlockResult:
			if b.Result != nil {
				sb.WriteString(b.Result.Payload)
			}
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
