// Package loop drives one conversation: it prunes the history before every
// backend request, streams the answer, runs requested tools through the
// coordinator and continues until the backend stops asking for tools.
package loop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/codefionn/turnloop/internal/backend"
	"github.com/codefionn/turnloop/internal/conversation"
	"github.com/codefionn/turnloop/internal/coordinator"
	"github.com/codefionn/turnloop/internal/failures"
	"github.com/codefionn/turnloop/internal/history"
	"github.com/codefionn/turnloop/internal/logger"
	"github.com/codefionn/turnloop/internal/progress"
	"github.com/codefionn/turnloop/internal/tokens"
	"github.com/codefionn/turnloop/internal/tools"
)

// DefaultMaxContinuations bounds the follow-up requests of one turn.
const DefaultMaxContinuations = 25

// DefaultBudget is the token budget used when none is configured.
const DefaultBudget = 100000

// Stop reasons set by the loop itself.
const (
	StopReasonMaxContinuations = "max_continuations"
	StopReasonCancelled        = "cancelled"
	StopReasonTransportError   = "transport_error"
)

const maxTaskLabelLen = 120

var (
	// ErrBusy is returned when Submit is called while a turn is running.
	ErrBusy = errors.New("loop is already processing a turn")
	// ErrNoBackend is returned by Submit when no backend is configured.
	ErrNoBackend = errors.New("loop has no backend")
)

// Config contains configuration options for the loop
type Config struct {
	// Budget is the token budget the history is pruned to before each request.
	Budget int

	// MaxContinuations limits follow-up requests after tool batches (default: 25)
	MaxContinuations int

	// SystemPrompt is sent with every request.
	SystemPrompt string

	// FocusPath biases retention toward messages mentioning this file.
	FocusPath string

	// Pruner tunes the history pruner.
	Pruner history.Options

	// ReadBackTool is the tool used for auto-correction (default: read_file).
	ReadBackTool string

	// PrefetchEntries bounds the prefetch cache (default: 64).
	PrefetchEntries int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Budget:           DefaultBudget,
		MaxContinuations: DefaultMaxContinuations,
		Pruner:           history.DefaultOptions(),
		ReadBackTool:     tools.ToolNameReadFile,
		PrefetchEntries:  DefaultPrefetchEntries,
	}
}

// ToolRegistry is what the loop needs from the tool registry.
type ToolRegistry interface {
	tools.Invoker
	Specs() []tools.Spec
}

// Dependencies contains the external dependencies required by the loop
type Dependencies struct {
	Backend  backend.Backend
	Registry ToolRegistry

	// Tracker is owned by the loop; a new one is created when nil.
	Tracker *failures.Tracker

	// Estimator drives pruning (default: character estimator).
	Estimator tokens.Estimator

	// Display counts tokens for TokenUsage only (optional).
	Display tokens.Estimator

	// Progress receives streamed text and tool status (optional).
	Progress progress.Callback

	// Prefetch reads files mentioned in streamed text (optional).
	Prefetch ReadFunc
}

// TurnResult is the outcome of one Submit call.
type TurnResult struct {
	// Text is the assistant text of the whole turn.
	Text string

	// Outcomes lists every tool outcome of the turn in execution order.
	Outcomes []coordinator.Outcome

	// Continuations counts follow-up requests sent after tool batches.
	Continuations int

	// StopReason is the backend stop reason or one of the loop's own.
	StopReason string

	// Cancelled is set when the turn ended through cancellation.
	Cancelled bool

	// Err holds a transport failure. The history was reset when set.
	Err error

	// Usage sums the backend counters of the turn.
	Usage backend.Usage
}

// TokenUsage reports the size of the history and backend counters.
type TokenUsage struct {
	// EstimatedTokens is the pruning estimate of the current history.
	EstimatedTokens int
	// DisplayTokens is the tokenizer count, or the estimate without one.
	DisplayTokens int
	Budget        int
	Messages      int

	LastInputTokens   int
	LastOutputTokens  int
	TotalInputTokens  int
	TotalOutputTokens int
}

// Loop owns one conversation. Submit must not be called concurrently; a
// second call while a turn runs returns ErrBusy.
type Loop struct {
	cfg  Config
	deps Dependencies

	pruner   *history.Pruner
	coord    *coordinator.Coordinator
	tracker  *failures.Tracker
	prefetch *Prefetcher
	log      *logger.Logger

	busy atomic.Bool

	mu        sync.Mutex
	history   *conversation.History
	state     State
	focusPath string
	taskLabel string
	lastUsage backend.Usage
	total     backend.Usage
	onState   StateChangeFunc
}

// New creates a loop.
func New(cfg Config, deps Dependencies) *Loop {
	if cfg.MaxContinuations <= 0 {
		cfg.MaxContinuations = DefaultMaxContinuations
	}
	if cfg.ReadBackTool == "" {
		cfg.ReadBackTool = tools.ToolNameReadFile
	}
	if deps.Estimator == nil {
		deps.Estimator = tokens.NewCharEstimator()
	}
	if deps.Tracker == nil {
		deps.Tracker = failures.NewTracker()
	}
	if deps.Registry == nil {
		deps.Registry = tools.NewRegistry()
	}

	l := &Loop{
		cfg:       cfg,
		deps:      deps,
		pruner:    history.NewPruner(deps.Estimator, cfg.Pruner),
		tracker:   deps.Tracker,
		history:   conversation.NewHistory(),
		focusPath: cfg.FocusPath,
		log:       logger.Global().WithPrefix("loop"),
	}
	l.coord = coordinator.New(deps.Registry, deps.Tracker, coordinator.Options{
		ReadBackTool: cfg.ReadBackTool,
		Progress:     deps.Progress,
	})
	if deps.Prefetch != nil {
		l.prefetch = NewPrefetcher(deps.Prefetch, cfg.PrefetchEntries)
	}
	return l
}

// Submit runs one turn for userInput and returns when the loop is idle
// again. Transport failures and cancellation are reported in TurnResult;
// the returned error is only ErrBusy or ErrNoBackend.
func (l *Loop) Submit(ctx context.Context, userInput string) (TurnResult, error) {
	if l.deps.Backend == nil {
		return TurnResult{}, ErrNoBackend
	}
	if !l.busy.CompareAndSwap(false, true) {
		return TurnResult{}, ErrBusy
	}
	defer l.busy.Store(false)
	defer l.setState(StateIdle)

	var res TurnResult
	if ctx.Err() != nil {
		l.setState(StateCancelled)
		return l.cancelled(res), nil
	}

	l.setState(StateSending)
	l.setTaskLabel(userInput)
	l.pruneHistory()
	l.appendMessage(conversation.UserText(userInput))

	for {
		if ctx.Err() != nil {
			l.setState(StateCancelled)
			return l.cancelled(res), nil
		}

		resp, err := l.send(ctx)
		if err != nil {
			if ctx.Err() != nil || !backend.IsTransportError(err) {
				l.setState(StateCancelled)
				l.log.Info("turn cancelled while streaming; partial response dropped")
				return l.cancelled(res), nil
			}
			return l.transportFailure(res, err), nil
		}

		l.recordUsage(&res, resp.usage)
		res.Text += resp.text.String()
		res.StopReason = resp.stopReason
		if msg, ok := resp.message(); ok {
			l.appendMessage(msg)
		}

		batch := resp.batch()
		if len(batch) == 0 {
			return res, nil
		}

		l.setState(StateExecutingTools)
		outcomes := l.coord.ExecuteBatch(ctx, batch)
		res.Outcomes = append(res.Outcomes, outcomes...)

		blocks := make([]conversation.Block, 0, len(outcomes))
		cancelled := false
		for _, out := range outcomes {
			blocks = append(blocks, out.Block())
			cancelled = cancelled || out.Cancelled
		}
		l.appendMessage(conversation.Message{Role: conversation.RoleTool, Content: blocks})

		if cancelled || ctx.Err() != nil {
			l.setState(StateCancelled)
			return l.cancelled(res), nil
		}

		if res.Continuations >= l.cfg.MaxContinuations {
			l.log.Warn("stopping after %d continuations", res.Continuations)
			res.StopReason = StopReasonMaxContinuations
			return res, nil
		}
		res.Continuations++

		l.setState(StateContinuing)
		l.pruneHistory()
	}
}

// send issues the request for the current history and collects the full
// response.
func (l *Loop) send(ctx context.Context) (*response, error) {
	req := backend.Request{
		System:   l.systemContext(),
		Messages: l.History(),
		Tools:    backend.SchemasFromSpecs(l.deps.Registry.Specs()),
	}

	stream, err := l.deps.Backend.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := stream.Close(); cerr != nil {
			l.log.Debug("closing stream: %v", cerr)
		}
	}()
	return l.collect(stream)
}

func (l *Loop) systemContext() string {
	l.mu.Lock()
	label := l.taskLabel
	l.mu.Unlock()

	if label == "" {
		return l.cfg.SystemPrompt
	}
	if l.cfg.SystemPrompt == "" {
		return "Current task: " + label
	}
	return l.cfg.SystemPrompt + "\n\nCurrent task: " + label
}

// cancelled finishes a cancelled turn. Invocations that never ran already
// carry synthetic results, so the history stays paired.
func (l *Loop) cancelled(res TurnResult) TurnResult {
	res.Cancelled = true
	res.StopReason = StopReasonCancelled
	l.emit(progress.Update{Kind: progress.KindStatus, Message: "cancelled", AddNewLine: true})
	return res
}

// transportFailure drops the whole history but keeps the task label so the
// next request still knows what the user is working on.
func (l *Loop) transportFailure(res TurnResult, err error) TurnResult {
	l.log.Error("backend failed, resetting history: %v", err)

	l.mu.Lock()
	dropped := l.history.Len()
	l.history.Clear()
	l.mu.Unlock()

	res.Err = fmt.Errorf("backend request failed, %d messages dropped: %w", dropped, err)
	res.StopReason = StopReasonTransportError
	l.emit(progress.Update{Kind: progress.KindStatus, Message: "backend error: " + err.Error(), Failed: true, AddNewLine: true})
	return res
}

func (l *Loop) pruneHistory() {
	l.mu.Lock()
	defer l.mu.Unlock()

	msgs := l.history.Messages()
	pruned := l.pruner.Prune(msgs, l.cfg.Budget, l.focusPath)
	if len(pruned) != len(msgs) {
		l.log.Debug("pruned history from %d to %d messages", len(msgs), len(pruned))
	}
	if err := history.Validate(pruned); err != nil {
		l.log.Error("pruned history violates pairing: %v", err)
	}
	l.history.Replace(pruned)
}

func (l *Loop) appendMessage(m conversation.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.history.Append(m)
}

func (l *Loop) recordUsage(res *TurnResult, u backend.Usage) {
	res.Usage.InputTokens += u.InputTokens
	res.Usage.OutputTokens += u.OutputTokens

	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastUsage = u
	l.total.InputTokens += u.InputTokens
	l.total.OutputTokens += u.OutputTokens
}

func (l *Loop) setTaskLabel(input string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.taskLabel != "" {
		return
	}
	label := strings.TrimSpace(input)
	if i := strings.IndexByte(label, '\n'); i >= 0 {
		label = strings.TrimSpace(label[:i])
	}
	if r := []rune(label); len(r) > maxTaskLabelLen {
		label = string(r[:maxTaskLabelLen]) + "…"
	}
	l.taskLabel = label
}

func (l *Loop) setState(to State) {
	l.mu.Lock()
	from := l.state
	if from == to {
		l.mu.Unlock()
		return
	}
	l.state = to
	hook := l.onState
	l.mu.Unlock()

	l.log.Debug("state %s -> %s", from, to)
	if hook != nil {
		hook(from, to)
	}
}

func (l *Loop) emit(u progress.Update) {
	if err := progress.Dispatch(l.deps.Progress, u); err != nil {
		l.log.Debug("progress callback failed: %v", err)
	}
}

// ResetHistory drops the conversation, the task label and all failure
// records.
func (l *Loop) ResetHistory() {
	l.mu.Lock()
	l.history.Clear()
	l.taskLabel = ""
	l.mu.Unlock()
	l.tracker.Reset()
	l.log.Info("history reset")
}

// History returns a copy of the conversation.
func (l *Loop) History() []conversation.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.history.Messages()
}

// TaskLabel returns the label of the active task.
func (l *Loop) TaskLabel() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.taskLabel
}

// State returns the current state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// OnStateChange installs a transition hook. It runs on the Submit goroutine.
func (l *Loop) OnStateChange(fn StateChangeFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onState = fn
}

// SetFocusPath updates the file retention is biased toward.
func (l *Loop) SetFocusPath(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.focusPath != path {
		l.log.Debug("focus path %q -> %q", l.focusPath, path)
	}
	l.focusPath = path
}

// FocusPath returns the current focus path.
func (l *Loop) FocusPath() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.focusPath
}

// TokenUsage reports the estimated size of the history and the backend
// counters. Backend counters are informational and never drive pruning.
func (l *Loop) TokenUsage() TokenUsage {
	msgs := l.History()

	l.mu.Lock()
	u := TokenUsage{
		Budget:            l.cfg.Budget,
		Messages:          len(msgs),
		LastInputTokens:   l.lastUsage.InputTokens,
		LastOutputTokens:  l.lastUsage.OutputTokens,
		TotalInputTokens:  l.total.InputTokens,
		TotalOutputTokens: l.total.OutputTokens,
	}
	l.mu.Unlock()

	u.EstimatedTokens = l.deps.Estimator.Estimate(msgs)
	u.DisplayTokens = u.EstimatedTokens
	if l.deps.Display != nil {
		u.DisplayTokens = l.deps.Display.Estimate(msgs)
	}
	return u
}

// FailureSummary reports the tracker state.
func (l *Loop) FailureSummary() failures.FailureSummary {
	return l.tracker.Summary()
}

// Tracker returns the failure tracker owned by the loop.
func (l *Loop) Tracker() *failures.Tracker {
	return l.tracker
}

// Prefetched returns a file read in the background, if any.
func (l *Loop) Prefetched(path string) (string, bool) {
	if l.prefetch == nil {
		return "", false
	}
	return l.prefetch.Get(path)
}

// Close stops background work and waits for it.
func (l *Loop) Close() {
	if l.prefetch != nil {
		l.prefetch.Close()
	}
}
