package history

import (
	"encoding/json"

	"github.com/codefionn/turnloop/internal/conversation"
)

// convo builds histories with real sequence numbers.
type convo struct {
	h *conversation.History
}

func newConvo() *convo {
	return &convo{h: conversation.NewHistory()}
}

func (c *convo) user(text string) *convo {
	c.h.Append(conversation.UserText(text))
	return c
}

func (c *convo) assistant(text string) *convo {
	c.h.Append(conversation.AssistantText(text))
	return c
}

func (c *convo) invoke(calls ...conversation.Block) *convo {
	c.h.Append(conversation.Message{Role: conversation.RoleAssistant, Content: calls})
	return c
}

func (c *convo) results(results ...conversation.Block) *convo {
	c.h.Append(conversation.Message{Role: conversation.RoleTool, Content: results})
	return c
}

func (c *convo) messages() []conversation.Message {
	return c.h.Messages()
}

func call(id, name, args string) conversation.Block {
	return conversation.InvocationBlock(id, name, json.RawMessage(args))
}

func ok(id, payload string) conversation.Block {
	return conversation.ResultBlock(id, payload, false)
}

func fail(id, payload string) conversation.Block {
	return conversation.ResultBlock(id, payload, true)
}

func seqs(msgs []conversation.Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.Seq
	}
	return out
}

func hasSeq(msgs []conversation.Message, seq int64) bool {
	for _, m := range msgs {
		if m.Seq == seq {
			return true
		}
	}
	return false
}
