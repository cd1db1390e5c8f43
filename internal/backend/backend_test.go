package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/codefionn/turnloop/internal/conversation"
	openai "github.com/openai/openai-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

// fakeSDKStream replays decoded SDK events.
type fakeSDKStream[T any] struct {
	items  []T
	pos    int
	err    error
	closed bool
}

func (f *fakeSDKStream[T]) Next() bool {
	if f.pos >= len(f.items) {
		return false
	}
	f.pos++
	return true
}

func (f *fakeSDKStream[T]) Current() T { return f.items[f.pos-1] }

func (f *fakeSDKStream[T]) Err() error {
	if f.pos >= len(f.items) {
		return f.err
	}
	return nil
}

func (f *fakeSDKStream[T]) Close() error {
	f.closed = true
	return nil
}

func decodeAll[T any](t *testing.T, raw ...string) []T {
	t.Helper()
	out := make([]T, 0, len(raw))
	for _, r := range raw {
		var v T
		require.NoError(t, json.Unmarshal([]byte(r), &v), r)
		out = append(out, v)
	}
	return out
}

func drain(t *testing.T, s Stream) ([]Event, error) {
	t.Helper()
	var events []Event
	for i := 0; i < 1000; i++ {
		ev, err := s.Next()
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	t.Fatal("stream did not terminate")
	return nil, nil
}

func arguments(events []Event, id string) string {
	var sb strings.Builder
	for _, ev := range events {
		if a, ok := ev.(ToolCallArguments); ok && a.ID == id {
			sb.WriteString(a.Fragment)
		}
	}
	return sb.String()
}

func TestAnthropicStreamTranslatesEvents(t *testing.T) {
	fake := &fakeSDKStream[anthropic.MessageStreamEventUnion]{items: decodeAll[anthropic.MessageStreamEventUnion](t,
		`{"type":"message_start","message":{"id":"m1","type":"message","role":"assistant","model":"claude","content":[],"stop_reason":null,"usage":{"input_tokens":12,"output_tokens":1}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Reading "}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"it."}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"read_file","input":{}}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"path\":"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"main.go\"}"}}`,
		`{"type":"content_block_stop","index":1}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use","stop_sequence":null},"usage":{"output_tokens":7}}`,
		`{"type":"message_stop"}`,
	)}

	events, err := drain(t, newAnthropicStream(fake))
	require.NoError(t, err)

	assert.Equal(t, TextDelta{Text: "Reading "}, events[0])
	assert.Equal(t, TextDelta{Text: "it."}, events[1])
	assert.Equal(t, ToolCallStart{ID: "toolu_1", Name: "read_file"}, events[2])
	assert.JSONEq(t, `{"path":"main.go"}`, arguments(events, "toolu_1"))
	assert.Contains(t, events, Event(ToolCallEnd{ID: "toolu_1"}))

	done, ok := events[len(events)-1].(Done)
	require.True(t, ok)
	assert.Equal(t, "tool_use", done.StopReason)
	assert.Equal(t, 12, done.Usage.InputTokens)
}

func TestAnthropicStreamWrapsTransportErrors(t *testing.T) {
	fake := &fakeSDKStream[anthropic.MessageStreamEventUnion]{err: errors.New("connection reset")}
	_, err := drain(t, newAnthropicStream(fake))

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "anthropic", te.Provider)
	assert.True(t, IsTransportError(err))
}

func TestAnthropicStreamCancellationIsNotTransportError(t *testing.T) {
	fake := &fakeSDKStream[anthropic.MessageStreamEventUnion]{err: fmt.Errorf("read: %w", context.Canceled)}
	_, err := drain(t, newAnthropicStream(fake))

	require.Error(t, err)
	assert.False(t, IsTransportError(err))
}

func TestAnthropicStreamClose(t *testing.T) {
	fake := &fakeSDKStream[anthropic.MessageStreamEventUnion]{items: decodeAll[anthropic.MessageStreamEventUnion](t,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"x"}}`,
	)}
	s := newAnthropicStream(fake)
	require.NoError(t, s.Close())
	assert.True(t, fake.closed)

	_, err := s.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func sampleHistory() []conversation.Message {
	return []conversation.Message{
		conversation.UserText("fix main.go"),
		{Role: conversation.RoleAssistant, Content: []conversation.Block{
			conversation.TextBlock("looking"),
			conversation.InvocationBlock("c1", "read_file", json.RawMessage(`{"path":"main.go"}`)),
			conversation.InvocationBlock("c2", "list_dir", nil),
		}},
		{Role: conversation.RoleTool, Content: []conversation.Block{
			conversation.ResultBlock("c1", "package main", false),
			conversation.ResultBlock("c2", "not_found: no such dir", true),
		}},
		conversation.UserText("and the tests"),
	}
}

func TestAnthropicMessagesMergesUserRoles(t *testing.T) {
	msgs := anthropicMessages(sampleHistory())

	require.Len(t, msgs, 3)
	assert.Equal(t, anthropic.MessageParamRoleUser, msgs[0].Role)
	assert.Equal(t, anthropic.MessageParamRoleAssistant, msgs[1].Role)
	assert.Len(t, msgs[1].Content, 3)
	// Tool results and the next user text share one user message.
	assert.Equal(t, anthropic.MessageParamRoleUser, msgs[2].Role)
	require.Len(t, msgs[2].Content, 3)
	require.NotNil(t, msgs[2].Content[1].OfToolResult)
	assert.Equal(t, "c2", msgs[2].Content[1].OfToolResult.ToolUseID)
}

func TestAnthropicMessagesSendObjectInput(t *testing.T) {
	truncated, err := json.Marshal(`{"path": "main.go", "old":`)
	require.NoError(t, err)

	msgs := anthropicMessages([]conversation.Message{
		conversation.UserText("fix main.go"),
		{Role: conversation.RoleAssistant, Content: []conversation.Block{
			conversation.InvocationBlock("c1", "edit_file", truncated),
			conversation.InvocationBlock("c2", "read_file", json.RawMessage(`["main.go"]`)),
		}},
		{Role: conversation.RoleTool, Content: []conversation.Block{
			conversation.ResultBlock("c1", "invalid_arguments: unexpected end of JSON input", true),
			conversation.ResultBlock("c2", "invalid_arguments: expected an object", true),
		}},
	})
	require.Len(t, msgs, 3)
	require.Len(t, msgs[1].Content, 2)

	data, err := json.Marshal(msgs[1])
	require.NoError(t, err)
	var decoded struct {
		Content []struct {
			Input map[string]any `json:"input"`
		} `json:"content"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded), "tool_use input must be an object")
	require.Len(t, decoded.Content, 2)
	assert.Equal(t, `{"path": "main.go", "old":`, decoded.Content[0].Input["_raw"])
	assert.Empty(t, decoded.Content[1].Input)
}

func TestArgumentsObject(t *testing.T) {
	tests := []struct {
		name string
		args json.RawMessage
		want map[string]any
	}{
		{"object", json.RawMessage(`{"path":"a.go"}`), map[string]any{"path": "a.go"}},
		{"empty", nil, map[string]any{}},
		{"null", json.RawMessage(`null`), map[string]any{}},
		{"quoted text", json.RawMessage(`"{\"path\":"`), map[string]any{"_raw": `{"path":`}},
		{"number", json.RawMessage(`42`), map[string]any{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, argumentsObject(tt.args))
		})
	}
}

func TestGoogleContentsDecodeRawArguments(t *testing.T) {
	contents := googleContents([]conversation.Message{
		conversation.UserText("fix main.go"),
		{Role: conversation.RoleAssistant, Content: []conversation.Block{
			conversation.InvocationBlock("c1", "edit_file", json.RawMessage(`"{\"path\""`)),
		}},
	})
	require.Len(t, contents, 2)
	call := contents[1].Parts[0].FunctionCall
	require.NotNil(t, call)
	assert.Equal(t, map[string]any{"_raw": `{"path"`}, call.Args)
}

func TestAnthropicTools(t *testing.T) {
	tools := anthropicTools([]ToolSchema{{
		Name:        "read_file",
		Description: "Read a file",
		Parameters: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"path": map[string]interface{}{"type": "string"}},
			"required":   []interface{}{"path"},
		},
	}})
	require.Len(t, tools, 1)
	require.NotNil(t, tools[0].OfTool)
	assert.Equal(t, "read_file", tools[0].OfTool.Name)
	assert.Equal(t, []string{"path"}, tools[0].OfTool.InputSchema.Required)
}

func TestOpenAIStreamReassemblesToolCalls(t *testing.T) {
	fake := &fakeSDKStream[openai.ChatCompletionChunk]{items: decodeAll[openai.ChatCompletionChunk](t,
		`{"id":"c","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"role":"assistant","content":"ok"},"finish_reason":null}]}`,
		`{"id":"c","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"read_file","arguments":"{\"pa"}}]},"finish_reason":null}]}`,
		`{"id":"c","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"id":"call_b","type":"function","function":{"name":"list_dir","arguments":"{}"}}]},"finish_reason":null}]}`,
		`{"id":"c","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"th\":\"a\"}"}}]},"finish_reason":null}]}`,
		`{"id":"c","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		`{"id":"c","object":"chat.completion.chunk","created":1,"model":"m","choices":[],"usage":{"prompt_tokens":20,"completion_tokens":9,"total_tokens":29}}`,
	)}

	events, err := drain(t, newOpenAIStream(fake))
	require.NoError(t, err)

	assert.Equal(t, TextDelta{Text: "ok"}, events[0])
	assert.Equal(t, ToolCallStart{ID: "call_a", Name: "read_file"}, events[1])
	assert.JSONEq(t, `{"path":"a"}`, arguments(events, "call_a"))
	assert.JSONEq(t, `{}`, arguments(events, "call_b"))

	n := len(events)
	assert.Equal(t, ToolCallEnd{ID: "call_a"}, events[n-3])
	assert.Equal(t, ToolCallEnd{ID: "call_b"}, events[n-2])
	assert.Equal(t, Done{Usage: Usage{InputTokens: 20, OutputTokens: 9}, StopReason: "tool_calls"}, events[n-1])
}

func TestOpenAIMessages(t *testing.T) {
	msgs := openAIMessages("be brief", sampleHistory())

	// system, user, assistant, two tool messages, user
	require.Len(t, msgs, 6)
	assert.NotNil(t, msgs[0].OfSystem)
	require.NotNil(t, msgs[2].OfAssistant)
	require.Len(t, msgs[2].OfAssistant.ToolCalls, 2)
	assert.Equal(t, "{}", msgs[2].OfAssistant.ToolCalls[1].Function.Arguments)
	require.NotNil(t, msgs[3].OfTool)
	assert.Equal(t, "c1", msgs[3].OfTool.ToolCallID)
	assert.NotNil(t, msgs[5].OfUser)
}

func googleSeq(items ...*genai.GenerateContentResponse) iter.Seq2[*genai.GenerateContentResponse, error] {
	return func(yield func(*genai.GenerateContentResponse, error) bool) {
		for _, it := range items {
			if !yield(it, nil) {
				return
			}
		}
	}
}

func TestGoogleStreamTranslatesParts(t *testing.T) {
	seq := googleSeq(
		&genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{{Text: "thinking", Thought: true}, {Text: "Sure"}}},
		}}},
		&genai.GenerateContentResponse{
			Candidates: []*genai.Candidate{{
				Content: &genai.Content{Parts: []*genai.Part{{
					FunctionCall: &genai.FunctionCall{Name: "read_file", Args: map[string]any{"path": "x.go"}},
				}}},
				FinishReason: genai.FinishReasonStop,
			}},
			UsageMetadata: &genai.GenerateContentResponseUsageMetadata{PromptTokenCount: 30, CandidatesTokenCount: 4},
		},
	)

	events, err := drain(t, newGoogleStream(seq))
	require.NoError(t, err)
	require.Len(t, events, 5)

	assert.Equal(t, TextDelta{Text: "Sure"}, events[0])
	start, ok := events[1].(ToolCallStart)
	require.True(t, ok)
	assert.Equal(t, "read_file", start.Name)
	assert.True(t, strings.HasPrefix(start.ID, "call_"))
	assert.JSONEq(t, `{"path":"x.go"}`, arguments(events, start.ID))
	assert.Equal(t, ToolCallEnd{ID: start.ID}, events[3])
	assert.Equal(t, Done{Usage: Usage{InputTokens: 30, OutputTokens: 4}, StopReason: string(genai.FinishReasonStop)}, events[4])
}

func TestGoogleStreamError(t *testing.T) {
	seq := func(yield func(*genai.GenerateContentResponse, error) bool) {
		yield(nil, errors.New("quota exceeded"))
	}
	_, err := drain(t, newGoogleStream(seq))
	assert.True(t, IsTransportError(err))
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestGoogleContentsNamesFunctionResponses(t *testing.T) {
	contents := googleContents(sampleHistory())

	require.Len(t, contents, 4)
	assert.Equal(t, genai.RoleModel, contents[1].Role)
	resp := contents[2].Parts[1].FunctionResponse
	require.NotNil(t, resp)
	assert.Equal(t, "list_dir", resp.Name)
	assert.Equal(t, "c2", resp.ID)
	assert.Equal(t, "not_found: no such dir", resp.Response["error"])
}

func TestScriptedReplaysTurnsAndRecordsRequests(t *testing.T) {
	s := NewScripted(
		TextTurn("hello"),
		ToolTurn("", ToolCall{ID: "1", Name: "read_file", Arguments: `{"path":"a"}`}),
	)
	ctx := context.Background()

	stream, err := s.Send(ctx, Request{Messages: []conversation.Message{conversation.UserText("hi")}})
	require.NoError(t, err)
	events, err := drain(t, stream)
	require.NoError(t, err)
	assert.Equal(t, TextDelta{Text: "hello"}, events[0])

	stream, err = s.Send(ctx, Request{})
	require.NoError(t, err)
	events, err = drain(t, stream)
	require.NoError(t, err)
	assert.JSONEq(t, `{"path":"a"}`, arguments(events, "1"))

	_, err = s.Send(ctx, Request{})
	assert.ErrorIs(t, err, ErrScriptExhausted)
	assert.True(t, IsTransportError(err))

	reqs := s.Requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, "hi", reqs[0].Messages[0].Text())
}

func TestScriptedStreamObservesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	turn := TextTurn("partial")
	turn.OnNext = func(i int) {
		if i == 1 {
			cancel()
		}
	}
	stream, err := NewScripted(turn).Send(ctx, Request{})
	require.NoError(t, err)

	events, err := drain(t, stream)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, events, 1)
	assert.False(t, IsTransportError(err))
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	_, err := New(context.Background(), Config{Provider: "carrier-pigeon", APIKey: "k"})
	assert.ErrorIs(t, err, ErrUnknownProvider)

	_, err = New(context.Background(), Config{Provider: "anthropic"})
	assert.Error(t, err)
}

func TestSchemasFromSpecs(t *testing.T) {
	assert.Empty(t, SchemasFromSpecs(nil))
}
