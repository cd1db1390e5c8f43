package backend

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/codefionn/turnloop/internal/conversation"
	"github.com/codefionn/turnloop/internal/logger"
	"github.com/google/uuid"
	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	oshared "github.com/openai/openai-go/shared"
)

const defaultOpenAIModel = "gpt-4.1"

// OpenAI streams responses from the Chat Completions API. It also serves
// OpenAI compatible endpoints through Config.BaseURL.
type OpenAI struct {
	client    openai.Client
	model     string
	maxTokens int64
}

// NewOpenAI creates an OpenAI backend.
func NewOpenAI(cfg Config) (*OpenAI, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, fmt.Errorf("openai backend requires an API key")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultOpenAIModel
	}
	opts := []option.RequestOption{option.WithAPIKey(key)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAI{
		client:    openai.NewClient(opts...),
		model:     model,
		maxTokens: int64(cfg.MaxTokens),
	}, nil
}

func (o *OpenAI) Send(ctx context.Context, req Request) (Stream, error) {
	params := openai.ChatCompletionNewParams{
		Model:    oshared.ChatModel(o.model),
		Messages: openAIMessages(req.System, req.Messages),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if tools := openAITools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}
	if o.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(o.maxTokens)
	}

	logger.Debug("openai: sending %d messages, %d tools", len(params.Messages), len(params.Tools))
	stream := o.client.Chat.Completions.NewStreaming(ctx, params)
	if stream == nil {
		return nil, &TransportError{Provider: "openai", Err: fmt.Errorf("no stream returned")}
	}
	return newOpenAIStream(stream), nil
}

type openAIStream struct {
	stream sdkStream[openai.ChatCompletionChunk]
	usage  Usage
	reason string
	// calls maps the per-response tool call index to its id.
	calls   map[int64]string
	order   []int64
	pending []Event
	done    bool
}

func newOpenAIStream(s sdkStream[openai.ChatCompletionChunk]) *openAIStream {
	return &openAIStream{stream: s, calls: make(map[int64]string)}
}

func (s *openAIStream) Next() (Event, error) {
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
				return nil, transportError("openai", err)
			}
			s.finish()
			continue
		}

		chunk := s.stream.Current()
		s.pending = append(s.pending, s.translate(chunk)...)
	}
}

func (s *openAIStream) translate(chunk openai.ChatCompletionChunk) []Event {
	// With IncludeUsage the counters arrive in a last chunk without choices.
	if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
		s.usage = Usage{
			InputTokens:  int(chunk.Usage.PromptTokens),
			OutputTokens: int(chunk.Usage.CompletionTokens),
		}
	}
	if len(chunk.Choices) == 0 {
		return nil
	}
	if reason := chunk.Choices[0].FinishReason; reason != "" {
		s.reason = string(reason)
	}
	delta := chunk.Choices[0].Delta

	var events []Event
	if delta.Content != "" {
		events = append(events, TextDelta{Text: delta.Content})
	}
	for _, tc := range delta.ToolCalls {
		id, known := s.calls[tc.Index]
		if !known {
			id = tc.ID
			if id == "" {
				id = "call_" + uuid.NewString()
			}
			s.calls[tc.Index] = id
			s.order = append(s.order, tc.Index)
			events = append(events, ToolCallStart{ID: id, Name: tc.Function.Name})
		}
		if tc.Function.Arguments != "" {
			events = append(events, ToolCallArguments{ID: id, Fragment: tc.Function.Arguments})
		}
	}
	return events
}

// finish closes every open tool call in index order and appends Done.
func (s *openAIStream) finish() {
	s.done = true
	sort.Slice(s.order, func(i, j int) bool { return s.order[i] < s.order[j] })
	for _, idx := range s.order {
		s.pending = append(s.pending, ToolCallEnd{ID: s.calls[idx]})
	}

	s.pending = append(s.pending, Done{Usage: s.usage, StopReason: s.reason})
}

func (s *openAIStream) Close() error {
	s.done = true
	s.pending = nil
	return s.stream.Close()
}

func openAIMessages(system string, msgs []conversation.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.SystemMessage(system))
	}
	for _, m := range msgs {
		switch m.Role {
		case conversation.RoleAssistant:
			var assistant openai.ChatCompletionAssistantMessageParam
			if text := m.Text(); text != "" {
				assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(text)}
			}
			for _, inv := range m.Invocations() {
				args := string(inv.Arguments)
				if args == "" {
					args = "{}"
				}
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: inv.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      inv.Name,
						Arguments: args,
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		default:
			for _, r := range m.Results() {
				out = append(out, openai.ToolMessage(r.Payload, r.InvocationID))
			}
			if text := m.Text(); text != "" {
				out = append(out, openai.UserMessage(text))
			}
		}
	}
	return out
}

func openAITools(schemas []ToolSchema) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(schemas))
	for _, s := range schemas {
		fn := oshared.FunctionDefinitionParam{
			Name:       s.Name,
			Parameters: oshared.FunctionParameters(s.Parameters),
		}
		if s.Description != "" {
			fn.Description = openai.String(s.Description)
		}
		out = append(out, openai.ChatCompletionToolParam{Function: fn})
	}
	return out
}
