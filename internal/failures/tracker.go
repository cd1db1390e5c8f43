// Package failures tracks consecutive tool failures and detects retry loops.
package failures

import (
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/cespare/xxhash/v2"
	"github.com/codefionn/turnloop/internal/logger"
)

// DefaultRetryThreshold is the number of consecutive failures after which a
// tool is considered stuck in a retry loop.
const DefaultRetryThreshold = 2

// State is the per-tool failure state.
type State int

const (
	StateClean State = iota
	StateWarned
	StateBlocked
)

func (s State) String() string {
	switch s {
	case StateClean:
		return "clean"
	case StateWarned:
		return "warned"
	case StateBlocked:
		return "blocked"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Record is one failed tool invocation.
type Record struct {
	ToolName  string
	Code      string
	Message   string
	Signature uint64
	Timestamp time.Time
	Params    map[string]any
}

// Tracker counts consecutive failures per tool. Any success resets every
// counter, not only the one of the tool that succeeded.
//
// A Tracker is owned by one conversation loop and handed to its coordinator.
type Tracker struct {
	mu        sync.Mutex
	records   []Record
	counts    map[string]int
	threshold int
	guidance  *GuidanceTable
	now       func() time.Time
	log       *logger.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithThreshold sets the retry loop threshold used by State and RetryGuidance.
func WithThreshold(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.threshold = n
		}
	}
}

// WithGuidance adds entries on top of the built-in guidance table.
func WithGuidance(entries ...GuidanceEntry) Option {
	return func(t *Tracker) {
		t.guidance.Add(entries...)
	}
}

// WithClock replaces the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// NewTracker creates an empty tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		counts:    make(map[string]int),
		threshold: DefaultRetryThreshold,
		guidance:  DefaultGuidance(),
		now:       time.Now,
		log:       logger.Global().WithPrefix("failures"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Threshold returns the configured retry loop threshold.
func (t *Tracker) Threshold() int {
	return t.threshold
}

// RecordFailure appends a failure record and bumps the tool's counter.
func (t *Tracker) RecordFailure(tool, code, message string, params map[string]any) Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := Record{
		ToolName:  tool,
		Code:      code,
		Message:   message,
		Signature: Signature(code, message),
		Timestamp: t.now(),
		Params:    maps.Clone(params),
	}
	t.records = append(t.records, rec)
	t.counts[tool]++
	t.log.Debug("%s failed (%s), %d in a row", tool, code, t.counts[tool])
	return rec
}

// Reset clears every record and counter.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.records) > 0 {
		t.log.Debug("success after %d failures, clearing all counters", len(t.records))
	}
	t.records = nil
	clear(t.counts)
}

// IsRetryLoop reports whether tool failed at least threshold times in a row.
// A threshold of zero or less selects the tracker's own threshold.
func (t *Tracker) IsRetryLoop(tool string, threshold int) bool {
	if threshold <= 0 {
		threshold = t.Threshold()
	}
	return t.Count(tool) >= threshold
}

// Count returns the consecutive failure count of tool.
func (t *Tracker) Count(tool string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[tool]
}

// State maps the failure count of tool to Clean, Warned or Blocked.
func (t *Tracker) State(tool string) State {
	return stateFor(t.Count(tool), t.threshold)
}

func stateFor(count, threshold int) State {
	switch {
	case count == 0:
		return StateClean
	case count >= threshold:
		return StateBlocked
	default:
		return StateWarned
	}
}

// RetryGuidance returns remediation text for a tool stuck in a retry loop.
// It reports false when the tool is not in a loop.
func (t *Tracker) RetryGuidance(tool string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	count := t.counts[tool]
	if count < t.threshold {
		return "", false
	}

	last, ok := t.lastRecordLocked(tool)
	if !ok {
		return t.guidance.Lookup(tool, ""), true
	}
	return fmt.Sprintf("%s has failed %d times in a row (last error %s: %s). %s",
		tool, count, last.Code, last.Message, t.guidance.Lookup(tool, last.Code)), true
}

func (t *Tracker) lastRecordLocked(tool string) (Record, bool) {
	for i := len(t.records) - 1; i >= 0; i-- {
		if t.records[i].ToolName == tool {
			return t.records[i], true
		}
	}
	return Record{}, false
}

// Records returns a copy of the failure records since the last reset.
func (t *Tracker) Records() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Record, len(t.records))
	for i, r := range t.records {
		r.Params = maps.Clone(r.Params)
		out[i] = r
	}
	return out
}

// ToolFailureSummary describes one tool with a non-zero failure count.
type ToolFailureSummary struct {
	Name        string
	Consecutive int
	State       State
	LastCode    string
	LastMessage string
	Signature   uint64
}

// FailureSummary is a snapshot of the tracker.
type FailureSummary struct {
	Tools        []ToolFailureSummary
	TotalRecords int
}

// Summary returns a snapshot ordered by tool name.
func (t *Tracker) Summary() FailureSummary {
	t.mu.Lock()
	defer t.mu.Unlock()

	summary := FailureSummary{TotalRecords: len(t.records)}
	for name, count := range t.counts {
		if count == 0 {
			continue
		}
		entry := ToolFailureSummary{
			Name:        name,
			Consecutive: count,
			State:       stateFor(count, t.threshold),
		}
		if last, ok := t.lastRecordLocked(name); ok {
			entry.LastCode = last.Code
			entry.LastMessage = last.Message
			entry.Signature = last.Signature
		}
		summary.Tools = append(summary.Tools, entry)
	}
	sort.Slice(summary.Tools, func(i, j int) bool { return summary.Tools[i].Name < summary.Tools[j].Name })
	return summary
}

// String renders the summary for display.
func (s FailureSummary) String() string {
	if len(s.Tools) == 0 {
		return "no failures since last success"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d failure(s) since last success\n", s.TotalRecords)
	for _, tool := range s.Tools {
		fmt.Fprintf(&sb, "  %-16s %-7s x%d  %s: %s\n", tool.Name, tool.State, tool.Consecutive, tool.LastCode, tool.LastMessage)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// Signature hashes a failure so repeats of the same error compare equal even
// when line numbers or offsets in the message differ.
func Signature(code, message string) uint64 {
	return xxhash.Sum64String(code + "\x00" + normalizeMessage(message))
}

func normalizeMessage(message string) string {
	var sb strings.Builder
	sb.Grow(len(message))
	lastSpace := false
	lastDigit := false
	for _, r := range strings.ToLower(strings.TrimSpace(message)) {
		switch {
		case unicode.IsSpace(r):
			if !lastSpace {
				sb.WriteByte(' ')
			}
			lastSpace, lastDigit = true, false
		case unicode.IsDigit(r):
			if !lastDigit {
				sb.WriteByte('#')
			}
			lastSpace, lastDigit = false, true
		default:
			sb.WriteRune(r)
			lastSpace, lastDigit = false, false
		}
	}
	return sb.String()
}
