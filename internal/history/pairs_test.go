package history

import (
	"testing"

	"github.com/codefionn/turnloop/internal/conversation"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepairRestoresDroppedResult(t *testing.T) {
	original := newConvo().
		user("read it").
		invoke(call("c1", "read_file", `{"path":"a.go"}`)).
		results(ok("c1", "package a")).
		assistant("done").
		messages()

	candidate := []conversation.Message{original[0], original[1], original[3]}
	out := Repair(candidate, original)

	require.NoError(t, Validate(out))
	assert.Equal(t, []int64{1, 2, 3, 4}, seqs(out))
	assert.Equal(t, "package a", out[2].Content[0].Result.Payload)
}

func TestRepairStopsAtTurnBoundary(t *testing.T) {
	// The result for c1 appears only after the next user turn, so it cannot
	// be used to complete the pair.
	original := []conversation.Message{
		{Seq: 1, Role: conversation.RoleUser, Content: []conversation.Block{conversation.TextBlock("go")}},
		{Seq: 2, Role: conversation.RoleAssistant, Content: []conversation.Block{call("c1", "read_file", `{}`)}},
		{Seq: 3, Role: conversation.RoleUser, Content: []conversation.Block{conversation.TextBlock("stop")}},
		{Seq: 4, Role: conversation.RoleTool, Content: []conversation.Block{ok("c1", "late")}},
	}

	out := Repair(original[:3], original)

	require.NoError(t, Validate(out))
	assert.Equal(t, []int64{1, 3}, seqs(out))
}

func TestRepairEvictsPartiallyAnsweredAssistant(t *testing.T) {
	original := []conversation.Message{
		{Seq: 1, Role: conversation.RoleUser, Content: []conversation.Block{conversation.TextBlock("go")}},
		{Seq: 2, Role: conversation.RoleAssistant, Content: []conversation.Block{
			conversation.TextBlock("two calls"),
			call("c1", "read_file", `{}`),
			call("c2", "read_file", `{}`),
		}},
		{Seq: 3, Role: conversation.RoleTool, Content: []conversation.Block{ok("c1", "one")}},
		{Seq: 4, Role: conversation.RoleAssistant, Content: []conversation.Block{conversation.TextBlock("hmm")}},
	}

	out := Repair(original, original)

	require.NoError(t, Validate(out))
	assert.Equal(t, []int64{1, 4}, seqs(out))
}

func TestRepairDropsOrphanResults(t *testing.T) {
	original := newConvo().
		user("go").
		invoke(call("c1", "read_file", `{}`)).
		results(ok("c1", "x")).
		messages()

	out := Repair([]conversation.Message{original[0], original[2]}, original)

	require.NoError(t, Validate(out))
	assert.Equal(t, []int64{1}, seqs(out))
}

func TestRepairInsertsIntoPartialResultMessage(t *testing.T) {
	original := newConvo().
		user("go").
		invoke(call("c1", "read_file", `{}`), call("c2", "read_file", `{}`)).
		results(ok("c1", "first"), ok("c2", "second")).
		messages()

	partial := original[2].Clone()
	partial.Content = partial.Content[1:]
	out := Repair([]conversation.Message{original[0], original[1], partial}, original)

	require.NoError(t, Validate(out))
	require.Len(t, out, 3)
	results := out[2].Results()
	require.Len(t, results, 2)
	assert.Equal(t, "c1", results[0].InvocationID)
	assert.Equal(t, "c2", results[1].InvocationID)
}

func TestRepairDoesNotMutateInputs(t *testing.T) {
	original := newConvo().
		user("go").
		invoke(call("c1", "read_file", `{}`)).
		results(ok("c1", "x")).
		messages()
	candidate := []conversation.Message{original[1], original[0]}

	beforeOriginal := conversation.CloneMessages(original)
	beforeCandidate := conversation.CloneMessages(candidate)

	_ = Repair(candidate, original)

	assert.Empty(t, cmp.Diff(beforeOriginal, original))
	assert.Empty(t, cmp.Diff(beforeCandidate, candidate))
}

func TestValidate(t *testing.T) {
	user := func(seq int64) conversation.Message {
		return conversation.Message{Seq: seq, Role: conversation.RoleUser, Content: []conversation.Block{conversation.TextBlock("u")}}
	}
	asst := func(seq int64, ids ...string) conversation.Message {
		m := conversation.Message{Seq: seq, Role: conversation.RoleAssistant}
		for _, id := range ids {
			m.Content = append(m.Content, call(id, "t", `{}`))
		}
		return m
	}
	tool := func(seq int64, ids ...string) conversation.Message {
		m := conversation.Message{Seq: seq, Role: conversation.RoleTool}
		for _, id := range ids {
			m.Content = append(m.Content, ok(id, "r"))
		}
		return m
	}

	tests := []struct {
		name    string
		msgs    []conversation.Message
		wantErr string
	}{
		{name: "empty", msgs: nil},
		{name: "valid", msgs: []conversation.Message{user(1), asst(2, "a"), tool(3, "a")}},
		{name: "seq not increasing", msgs: []conversation.Message{user(2), user(2)}, wantErr: "does not follow"},
		{name: "orphan result", msgs: []conversation.Message{user(1), tool(2, "a")}, wantErr: "no earlier invocation"},
		{name: "unanswered", msgs: []conversation.Message{user(1), asst(2, "a")}, wantErr: "has no result"},
		{name: "answered twice", msgs: []conversation.Message{asst(1, "a"), tool(2, "a"), tool(3, "a")}, wantErr: "more than once"},
		{name: "duplicate invocation", msgs: []conversation.Message{asst(1, "a"), asst(2, "a")}, wantErr: "appears more than once"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.msgs)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
