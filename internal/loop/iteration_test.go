package loop

import (
	"encoding/json"
	"io"
	"testing"

	"github.com/codefionn/turnloop/internal/backend"
	"github.com/codefionn/turnloop/internal/conversation"
	"github.com/codefionn/turnloop/internal/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sliceStream struct {
	events []backend.Event
	pos    int
}

func (s *sliceStream) Next() (backend.Event, error) {
	if s.pos >= len(s.events) {
		return nil, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}

func (s *sliceStream) Close() error { return nil }

func TestNormalizeArguments(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"empty", "", "{}"},
		{"whitespace", "  ", "{}"},
		{"object", `{"path":"a"}`, `{"path":"a"}`},
		{"truncated", `{"path":`, `"{\"path\":"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := normalizeArguments(tt.raw)
			assert.Equal(t, tt.want, string(got))
			assert.True(t, json.Valid(got))
		})
	}
}

func TestCollectAssemblesInterleavedCalls(t *testing.T) {
	l := New(DefaultConfig(), Dependencies{})
	defer l.Close()

	resp, err := l.collect(&sliceStream{events: []backend.Event{
		backend.TextDelta{Text: "Two "},
		backend.ToolCallStart{ID: "a", Name: "read_file"},
		backend.ToolCallStart{ID: "b", Name: "list_dir"},
		backend.ToolCallArguments{ID: "a", Fragment: `{"path":`},
		backend.ToolCallArguments{ID: "b", Fragment: `{}`},
		backend.ToolCallArguments{ID: "a", Fragment: `"x.go"}`},
		backend.ToolCallArguments{ID: "ghost", Fragment: `{}`},
		backend.TextDelta{Text: "calls"},
		backend.ToolCallEnd{ID: "a"},
		backend.ToolCallEnd{ID: "b"},
		backend.Done{StopReason: "tool_use", Usage: backend.Usage{InputTokens: 3, OutputTokens: 4}},
	}})
	require.NoError(t, err)

	batch := resp.batch()
	require.Len(t, batch, 2)
	assert.Equal(t, "a", batch[0].ID)
	assert.JSONEq(t, `{"path":"x.go"}`, string(batch[0].Arguments))
	assert.Equal(t, tools.ToolNameListDir, batch[1].Name)

	msg, ok := resp.message()
	require.True(t, ok)
	assert.Equal(t, conversation.RoleAssistant, msg.Role)
	assert.Equal(t, "Two calls", msg.Text())
	assert.Len(t, msg.Invocations(), 2)
	assert.Equal(t, "tool_use", resp.stopReason)
	assert.Equal(t, 4, resp.usage.OutputTokens)
}

func TestCollectAssignsMissingAndDuplicateIDs(t *testing.T) {
	l := New(DefaultConfig(), Dependencies{})
	defer l.Close()

	resp, err := l.collect(&sliceStream{events: []backend.Event{
		backend.ToolCallStart{ID: "", Name: "one"},
		backend.ToolCallStart{ID: "dup", Name: "two"},
		backend.ToolCallStart{ID: "dup", Name: "three"},
		backend.ToolCallArguments{ID: "dup", Fragment: `{"n":3}`},
	}})
	require.NoError(t, err)

	batch := resp.batch()
	require.Len(t, batch, 3)
	assert.NotEmpty(t, batch[0].ID)
	assert.Equal(t, "dup", batch[1].ID)
	assert.NotEqual(t, "dup", batch[2].ID)
	assert.JSONEq(t, `{}`, string(batch[1].Arguments))
	assert.JSONEq(t, `{"n":3}`, string(batch[2].Arguments))
}

func TestEmptyResponseHasNoMessage(t *testing.T) {
	_, ok := newResponse().message()
	assert.False(t, ok)
}
