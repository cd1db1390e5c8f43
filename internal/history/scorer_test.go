package history

import (
	"strings"
	"testing"

	"github.com/codefionn/turnloop/internal/conversation"
	"github.com/stretchr/testify/assert"
)

func TestScoreBands(t *testing.T) {
	long := strings.Repeat("word ", 60)

	tests := []struct {
		name   string
		msg    conversation.Message
		index  int
		focus  string
		want   float64
		reason string
	}{
		{
			name:   "user message wins over everything",
			msg:    conversation.UserText("the build failed with an error in main.go"),
			focus:  "main.go",
			want:   0.95,
			reason: "user message",
		},
		{
			name: "error flag on result",
			msg: conversation.Message{Role: conversation.RoleTool, Content: []conversation.Block{
				fail("c1", "nope"),
			}},
			want:   0.9,
			reason: "error indicator",
		},
		{
			name:   "error keyword is case insensitive",
			msg:    conversation.AssistantText("Got a Traceback while running tests"),
			want:   0.9,
			reason: "error indicator",
		},
		{
			name:   "panic marker",
			msg:    conversation.AssistantText("goroutine 1 [running]: panic: boom"),
			want:   0.9,
			reason: "error indicator",
		},
		{
			name: "focus path in invocation arguments",
			msg: conversation.Message{Role: conversation.RoleAssistant, Content: []conversation.Block{
				call("c1", "read_file", `{"path":"internal/loop/loop.go"}`),
			}},
			focus:  "internal/loop/loop.go",
			want:   0.85,
			reason: "references focus path",
		},
		{
			name:   "focus base name in text",
			msg:    conversation.AssistantText("I updated loop.go"),
			focus:  "internal/loop/loop.go",
			want:   0.85,
			reason: "references focus path",
		},
		{
			name: "plain tool result at start",
			msg: conversation.Message{Role: conversation.RoleTool, Content: []conversation.Block{
				ok("c1", "contents"),
			}},
			want:   0.4,
			reason: "tool result",
		},
		{
			name: "plain tool result gets recency boost",
			msg: conversation.Message{Role: conversation.RoleTool, Content: []conversation.Block{
				ok("c1", "contents"),
			}},
			index:  5,
			want:   0.5,
			reason: "tool result",
		},
		{
			name:   "short text",
			msg:    conversation.AssistantText("done"),
			want:   0.6,
			reason: "short text",
		},
		{
			name:   "long text with recency",
			msg:    conversation.AssistantText(long),
			index:  10,
			want:   0.6,
			reason: "long text",
		},
		{
			name: "invocation without focus match",
			msg: conversation.Message{Role: conversation.RoleAssistant, Content: []conversation.Block{
				call("c1", "list_dir", `{"path":"."}`),
			}},
			want:   0.5,
			reason: "default",
		},
		{
			name:   "empty focus path never matches",
			msg:    conversation.AssistantText("see main.go"),
			focus:  "   ",
			want:   0.6,
			reason: "short text",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Score(tt.msg, tt.index, 10, tt.focus)
			assert.InDelta(t, tt.want, got.Score, 1e-9)
			assert.Equal(t, tt.reason, got.Reason)
		})
	}
}

func TestRecencyBoostClamped(t *testing.T) {
	assert.Equal(t, 0.0, recencyBoost(0, 10, 0.2))
	assert.Equal(t, 0.0, recencyBoost(3, 0, 0.2))
	assert.InDelta(t, 0.1, recencyBoost(5, 10, 0.2), 1e-9)
	assert.InDelta(t, 0.2, recencyBoost(50, 10, 0.2), 1e-9)
}

func TestScoreStaysInRange(t *testing.T) {
	msgs := newConvo().
		user("go").
		assistant(strings.Repeat("y", 500)).
		invoke(call("c1", "read_file", `{"path":"a.txt"}`)).
		results(ok("c1", "a")).
		assistant("ok").
		messages()

	for i, m := range msgs {
		s := Score(m, i, len(msgs), "a.txt")
		assert.GreaterOrEqual(t, s.Score, 0.0)
		assert.LessOrEqual(t, s.Score, 1.0)
		assert.NotEmpty(t, s.Reason)
	}
}
