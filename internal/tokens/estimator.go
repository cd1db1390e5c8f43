// Package tokens approximates the backend cost of conversation messages.
package tokens

import (
	"encoding/json"
	"math"

	"github.com/codefionn/turnloop/internal/conversation"
)

// DefaultCharsPerToken is the fixed ratio used for budgeting. BPE tokenizers
// average roughly four characters per token on English text and code.
const DefaultCharsPerToken = 4.0

// Estimator approximates the cost of a message sequence.
//
// Implementations must be deterministic and free of side effects, and the
// estimate of a concatenation must never be smaller than the estimate of
// either part.
type Estimator interface {
	Estimate(messages []conversation.Message) int
}

// CharEstimator charges serialized character length divided by a fixed ratio,
// rounded up per message. It is the only estimator the pruner relies on.
type CharEstimator struct {
	CharsPerToken float64
}

// NewCharEstimator returns a CharEstimator using DefaultCharsPerToken.
func NewCharEstimator() CharEstimator {
	return CharEstimator{CharsPerToken: DefaultCharsPerToken}
}

// Estimate sums MessageCost over messages.
func (e CharEstimator) Estimate(messages []conversation.Message) int {
	total := 0
	for i := range messages {
		total += e.MessageCost(messages[i])
	}
	return total
}

// MessageCost returns the cost of one message. Content that cannot be encoded
// counts as zero.
func (e CharEstimator) MessageCost(m conversation.Message) int {
	return e.costOfLength(serializedLength(m))
}

func (e CharEstimator) costOfLength(chars int) int {
	if chars <= 0 {
		return 0
	}
	return int(math.Ceil(float64(chars) / e.ratio()))
}

func (e CharEstimator) ratio() float64 {
	if e.CharsPerToken <= 0 || math.IsNaN(e.CharsPerToken) || math.IsInf(e.CharsPerToken, 0) {
		return DefaultCharsPerToken
	}
	return e.CharsPerToken
}

// wireMessage is the part of a message that is actually sent to a backend.
// Seq is bookkeeping and does not count.
type wireMessage struct {
	Role    conversation.Role    `json:"role"`
	Content []conversation.Block `json:"content"`
}

func serializedLength(m conversation.Message) int {
	data, err := json.Marshal(wireMessage{Role: m.Role, Content: m.Content})
	if err != nil {
		return 0
	}
	return len(data)
}
