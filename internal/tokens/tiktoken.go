package tokens

import (
	"encoding/json"

	"github.com/codefionn/turnloop/internal/conversation"
	"github.com/codefionn/turnloop/internal/logger"
	"github.com/pkoukk/tiktoken-go"
)

const perMessageOverhead = 4

// Tiktoken counts tokens with a BPE encoding. It is used for usage display
// only; pruning decisions always go through CharEstimator so budgets stay
// reproducible without the encoding tables.
type Tiktoken struct {
	encoder  *tiktoken.Tiktoken
	fallback CharEstimator
}

// NewTiktoken loads the encoding for model, falling back to cl100k_base, and
// finally to character estimation when no encoding can be loaded.
func NewTiktoken(model string) *Tiktoken {
	t := &Tiktoken{fallback: NewCharEstimator()}

	encoder, err := tiktoken.EncodingForModel(model)
	if err == nil {
		t.encoder = encoder
		return t
	}

	encoder, err = tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		logger.Global().WithPrefix("tokens").Warn("tiktoken unavailable, using character estimate: %v", err)
		return t
	}
	t.encoder = encoder
	return t
}

// Exact reports whether a real encoding backs the estimate.
func (t *Tiktoken) Exact() bool {
	return t != nil && t.encoder != nil
}

// Estimate counts tokens across messages, including a small per-message overhead.
func (t *Tiktoken) Estimate(messages []conversation.Message) int {
	if !t.Exact() {
		return t.fallback.Estimate(messages)
	}

	total := 0
	for _, m := range messages {
		total += perMessageOverhead
		for _, b := range m.Content {
			switch b.Type {
			case conversation.BlockText:
				total += t.count(b.Text)
			case conversation.BlockInvocation:
				if b.Invocation != nil {
					total += t.count(b.Invocation.Name) + t.count(string(b.Invocation.Arguments))
				}
			case conversation.BlockResult:
				if b.Result != nil {
					total += t.count(b.Result.InvocationID) + t.count(b.Result.Payload)
				}
			}
		}
	}
	return total
}

// CountText counts tokens in a free-standing string such as the system prompt.
func (t *Tiktoken) CountText(text string) int {
	if text == "" {
		return 0
	}
	if !t.Exact() {
		data, _ := json.Marshal(text)
		return t.fallback.costOfLength(len(data))
	}
	return t.count(text)
}

func (t *Tiktoken) count(text string) int {
	if text == "" {
		return 0
	}
	return len(t.encoder.Encode(text, nil, nil))
}
