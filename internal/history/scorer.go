// Package history fits a conversation into a token budget without breaking
// the pairing between tool invocations and their results.
package history

import (
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/codefionn/turnloop/internal/conversation"
)

// Retention bands. These values are part of the pruning contract: changing
// them changes which messages survive a prune.
const (
	scoreUser         = 0.95
	scoreError        = 0.9
	scoreFocus        = 0.85
	scoreToolResult   = 0.4
	scoreShortText    = 0.6
	scoreLongText     = 0.3
	scoreDefault      = 0.5
	recencyCapResult  = 0.2
	recencyCapShort   = 0.2
	recencyCapLong    = 0.3
	shortTextMaxChars = 200
)

var errorIndicators = []string{"error", "failed", "exception", "traceback", "panic:"}

// RetentionScore is the retention priority of one message. It is computed on
// demand and never stored.
type RetentionScore struct {
	Score  float64
	Reason string
}

// Score rates how important it is to keep m, given its position index among
// total messages and the path the user is currently focused on.
func Score(m conversation.Message, index, total int, focusPath string) RetentionScore {
	if m.Role == conversation.RoleUser {
		return RetentionScore{Score: scoreUser, Reason: "user message"}
	}

	if containsError(m) {
		return RetentionScore{Score: scoreError, Reason: "error indicator"}
	}

	if referencesFocus(m, focusPath) {
		return RetentionScore{Score: scoreFocus, Reason: "references focus path"}
	}

	if m.HasResults() {
		return RetentionScore{
			Score:  scoreToolResult + recencyBoost(index, total, recencyCapResult),
			Reason: "tool result",
		}
	}

	if m.IsPlainText() {
		if utf8.RuneCountInString(m.Text()) <= shortTextMaxChars {
			return RetentionScore{
				Score:  scoreShortText + recencyBoost(index, total, recencyCapShort),
				Reason: "short text",
			}
		}
		return RetentionScore{
			Score:  scoreLongText + recencyBoost(index, total, recencyCapLong),
			Reason: "long text",
		}
	}

	return RetentionScore{Score: scoreDefault, Reason: "default"}
}

// recencyBoost grows linearly with position and is clamped to [0, cap].
func recencyBoost(index, total int, cap float64) float64 {
	if total <= 0 || index <= 0 {
		return 0
	}
	boost := float64(index) / float64(total) * cap
	if boost > cap {
		return cap
	}
	return boost
}

func containsError(m conversation.Message) bool {
	for _, r := range m.Results() {
		if r.IsError {
			return true
		}
	}
	text := strings.ToLower(m.SearchableText())
	for _, indicator := range errorIndicators {
		if strings.Contains(text, indicator) {
			return true
		}
	}
	return false
}

func referencesFocus(m conversation.Message, focusPath string) bool {
	focusPath = strings.TrimSpace(focusPath)
	if focusPath == "" {
		return false
	}
	text := m.SearchableText()
	if strings.Contains(text, focusPath) {
		return true
	}
	// A relative mention like "loop.go" still counts when the focus path is
	// "internal/loop/loop.go".
	base := filepath.Base(focusPath)
	if base != focusPath && base != "." && base != string(filepath.Separator) {
		return strings.Contains(text, base)
	}
	return false
}
