package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
	"github.com/codefionn/turnloop/internal/conversation"
	"github.com/codefionn/turnloop/internal/logger"
)

const (
	defaultAnthropicModel     = "claude-sonnet-4-5"
	defaultAnthropicMaxTokens = 8192
)

// sdkStream is the pull interface shared by the SDK server-sent event streams.
type sdkStream[T any] interface {
	Next() bool
	Current() T
	Err() error
	Close() error
}

// Anthropic streams responses from the Messages API.
type Anthropic struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropic creates an Anthropic backend.
func NewAnthropic(cfg Config) (*Anthropic, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, fmt.Errorf("anthropic backend requires an API key")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultAnthropicModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	opts := []option.RequestOption{option.WithAPIKey(key)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Anthropic{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: int64(maxTokens),
	}, nil
}

func (a *Anthropic) Send(ctx context.Context, req Request) (Stream, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: a.maxTokens,
		Messages:  anthropicMessages(req.Messages),
		Tools:     anthropicTools(req.Tools),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(params.Messages) == 0 {
		return nil, &TransportError{Provider: "anthropic", Err: fmt.Errorf("request has no messages")}
	}

	logger.Debug("anthropic: sending %d messages, %d tools", len(params.Messages), len(params.Tools))
	stream := a.client.Messages.NewStreaming(ctx, params)
	if stream == nil {
		return nil, &TransportError{Provider: "anthropic", Err: fmt.Errorf("no stream returned")}
	}
	return newAnthropicStream(stream), nil
}

type anthropicStream struct {
	stream  sdkStream[anthropic.MessageStreamEventUnion]
	msg     anthropic.Message
	ids     map[int64]string
	pending []Event
	done    bool
}

func newAnthropicStream(s sdkStream[anthropic.MessageStreamEventUnion]) *anthropicStream {
	return &anthropicStream{stream: s, ids: make(map[int64]string)}
}

func (s *anthropicStream) Next() (Event, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}
		if s.done {
			return nil, io.EOF
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				return nil, transportError("anthropic", err)
			}
			s.done = true
			s.pending = append(s.pending, Done{
				Usage: Usage{
					InputTokens:  int(s.msg.Usage.InputTokens),
					OutputTokens: int(s.msg.Usage.OutputTokens),
				},
				StopReason: string(s.msg.StopReason),
			})
			continue
		}

		event := s.stream.Current()
		if err := s.msg.Accumulate(event); err != nil {
			logger.Debug("anthropic: accumulate failed: %v", err)
		}
		s.pending = append(s.pending, s.translate(event)...)
	}
}

func (s *anthropicStream) translate(event anthropic.MessageStreamEventUnion) []Event {
	switch ev := event.AsAny().(type) {
	case anthropic.ContentBlockStartEvent:
		if ev.ContentBlock.Type != "tool_use" {
			return nil
		}
		s.ids[ev.Index] = ev.ContentBlock.ID
		return []Event{ToolCallStart{ID: ev.ContentBlock.ID, Name: ev.ContentBlock.Name}}
	case anthropic.ContentBlockDeltaEvent:
		switch delta := ev.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			if delta.Text == "" {
				return nil
			}
			return []Event{TextDelta{Text: delta.Text}}
		case anthropic.InputJSONDelta:
			id, ok := s.ids[ev.Index]
			if !ok || delta.PartialJSON == "" {
				return nil
			}
			return []Event{ToolCallArguments{ID: id, Fragment: delta.PartialJSON}}
		}
	case anthropic.ContentBlockStopEvent:
		id, ok := s.ids[ev.Index]
		if !ok {
			return nil
		}
		delete(s.ids, ev.Index)
		return []Event{ToolCallEnd{ID: id}}
	}
	return nil
}

func (s *anthropicStream) Close() error {
	s.done = true
	s.pending = nil
	return s.stream.Close()
}

// anthropicMessages converts the history. Tool results travel in user
// messages and consecutive messages of the same role are merged.
func anthropicMessages(msgs []conversation.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		role := anthropic.MessageParamRoleUser
		if m.Role == conversation.RoleAssistant {
			role = anthropic.MessageParamRoleAssistant
		}

		var blocks []anthropic.ContentBlockParamUnion
		for _, b := range m.Content {
			switch b.Type {
			case conversation.BlockText:
				if b.Text != "" {
					blocks = append(blocks, anthropic.NewTextBlock(b.Text))
				}
			case conversation.BlockInvocation:
				blocks = append(blocks, anthropic.NewToolUseBlock(b.Invocation.ID, toolInput(b.Invocation.Arguments), b.Invocation.Name))
			case conversation.BlockResult:
				blocks = append(blocks, anthropic.NewToolResultBlock(b.Result.InvocationID, b.Result.Payload, b.Result.IsError))
			}
		}
		if len(blocks) == 0 {
			continue
		}

		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			continue
		}
		out = append(out, anthropic.MessageParam{Role: role, Content: blocks})
	}
	return out
}

// toolInput returns the arguments as a JSON object value.
func toolInput(args json.RawMessage) any {
	return argumentsObject(args)
}

// rawArgumentsKey holds arguments the model sent that were not a JSON object.
const rawArgumentsKey = "_raw"

// argumentsObject decodes stored arguments into an object. Arguments that
// were kept as a JSON string (truncated or invalid model output) are wrapped
// under rawArgumentsKey; any other non-object becomes an empty object.
func argumentsObject(args json.RawMessage) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal(args, &obj); err == nil && obj != nil {
		return obj
	}
	var raw string
	if err := json.Unmarshal(args, &raw); err == nil && raw != "" {
		return map[string]any{rawArgumentsKey: raw}
	}
	return map[string]any{}
}

func anthropicTools(schemas []ToolSchema) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(schemas))
	for _, s := range schemas {
		tool := anthropic.ToolParam{
			Name: s.Name,
			InputSchema: anthropic.ToolInputSchemaParam{
				Type:       constant.Object("object"),
				Properties: s.Parameters["properties"],
				Required:   requiredFields(s.Parameters),
			},
			Type: anthropic.ToolTypeCustom,
		}
		if s.Description != "" {
			tool.Description = anthropic.String(s.Description)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return out
}

func requiredFields(schema map[string]interface{}) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []interface{}:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
