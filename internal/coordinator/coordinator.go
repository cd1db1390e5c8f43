// Package coordinator executes one batch of tool invocations in request order,
// one at a time, with retry loop protection, auto-correction and cooperative
// cancellation.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/codefionn/turnloop/internal/conversation"
	"github.com/codefionn/turnloop/internal/failures"
	"github.com/codefionn/turnloop/internal/logger"
	"github.com/codefionn/turnloop/internal/progress"
	"github.com/codefionn/turnloop/internal/tools"
)

// BlockedMarker prefixes the payload of a rejected invocation.
const BlockedMarker = "[blocked]"

// CodeRetryLoop is the error code of a rejected invocation.
const CodeRetryLoop = "retry_loop"

// correctable lists the (tool, code) pairs that trigger a read-back.
var correctable = map[[2]string]bool{
	{tools.ToolNameEditFile, tools.CodeNoMatch}:      true,
	{tools.ToolNameEditFile, tools.CodeStaleContent}: true,
	{tools.ToolNameApplyDiff, tools.CodePatchFailed}: true,
	{tools.ToolNameWriteFile, tools.CodeNotRead}:     true,
}

// Outcome is the result of one invocation of a batch.
type Outcome struct {
	Invocation conversation.ToolInvocation
	Result     tools.Result
	// Cancelled marks a synthetic result for an invocation that never ran.
	Cancelled bool
	// Blocked marks a rejection because the tool is in a retry loop.
	Blocked bool
	// Corrected is set when a read-back was merged into the result.
	Corrected bool
	Duration  time.Duration
}

// Block returns the result block answering the invocation.
func (o Outcome) Block() conversation.Block {
	return conversation.ResultBlock(o.Invocation.ID, o.Result.Payload(), o.Result.Failed())
}

// Options configures a Coordinator.
type Options struct {
	// ReadBackTool is invoked to show the current file after a correctable
	// failure. Empty selects read_file.
	ReadBackTool string
	// Progress receives one update per finished invocation.
	Progress progress.Callback
}

// Coordinator runs tool batches. It is used by one loop at a time.
type Coordinator struct {
	registry tools.Invoker
	tracker  *failures.Tracker
	opts     Options
	log      *logger.Logger
}

// New creates a coordinator. The tracker is owned by the calling loop.
func New(registry tools.Invoker, tracker *failures.Tracker, opts Options) *Coordinator {
	if opts.ReadBackTool == "" {
		opts.ReadBackTool = tools.ToolNameReadFile
	}
	if tracker == nil {
		tracker = failures.NewTracker()
	}
	return &Coordinator{
		registry: registry,
		tracker:  tracker,
		opts:     opts,
		log:      logger.Global().WithPrefix("coordinator"),
	}
}

// Tracker returns the failure tracker the coordinator updates.
func (c *Coordinator) Tracker() *failures.Tracker {
	return c.tracker
}

// ExecuteBatch runs batch in order and returns exactly one outcome per
// invocation, in the same order. Once ctx is done the remaining invocations
// get synthetic cancelled results; an invocation already running is allowed
// to finish.
func (c *Coordinator) ExecuteBatch(ctx context.Context, batch []conversation.ToolInvocation) []Outcome {
	outcomes := make([]Outcome, 0, len(batch))
	for i, inv := range batch {
		if err := ctx.Err(); err != nil {
			c.log.Info("cancelled with %d of %d invocations executed", i, len(batch))
			for _, rest := range batch[i:] {
				outcomes = append(outcomes, cancelledOutcome(rest))
			}
			break
		}

		out := c.execute(ctx, inv)
		outcomes = append(outcomes, out)
		c.report(out)
	}
	return outcomes
}

func cancelledOutcome(inv conversation.ToolInvocation) Outcome {
	return Outcome{
		Invocation: inv,
		Result:     tools.Failure(tools.CodeCancelled, "cancelled by user before execution"),
		Cancelled:  true,
	}
}

func (c *Coordinator) execute(ctx context.Context, inv conversation.ToolInvocation) Outcome {
	if c.tracker.IsRetryLoop(inv.Name, c.tracker.Threshold()) {
		guidance, _ := c.tracker.RetryGuidance(inv.Name)
		c.log.Warn("rejecting %s: retry loop after %d failures", inv.Name, c.tracker.Count(inv.Name))
		return Outcome{
			Invocation: inv,
			Result: tools.Result{Error: &tools.ToolError{
				Code:    CodeRetryLoop,
				Message: BlockedMarker + " " + guidance,
			}},
			Blocked: true,
		}
	}

	start := time.Now()
	res := c.invoke(context.WithoutCancel(ctx), inv.Name, inv.Arguments)
	out := Outcome{Invocation: inv, Result: res, Duration: time.Since(start)}

	if !res.Failed() {
		c.tracker.Reset()
		c.log.Debug("%s succeeded in %s", inv.Name, out.Duration)
		return out
	}

	params, _ := tools.DecodeParams(inv.Arguments)
	c.tracker.RecordFailure(inv.Name, res.Error.Code, res.Error.Message, params)
	c.log.Debug("%s failed: %s", inv.Name, res.Error.Error())

	if corrected, ok := c.autoCorrect(ctx, inv, res, params); ok {
		out.Result = corrected
		out.Corrected = true
	}
	return out
}

// invoke calls the registry and turns a tool panic into a failure.
func (c *Coordinator) invoke(ctx context.Context, name string, args json.RawMessage) (res tools.Result) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("tool %s panicked: %v\n%s", name, r, debug.Stack())
			res = tools.Failure(tools.CodePanic, "tool %s panicked: %v", name, r)
		}
	}()
	return c.registry.Invoke(ctx, name, args)
}

// autoCorrect appends the current content of the affected file to a
// correctable failure so the next attempt can start from the real state.
// The read-back does not touch the failure tracker.
func (c *Coordinator) autoCorrect(ctx context.Context, inv conversation.ToolInvocation, res tools.Result, params map[string]interface{}) (tools.Result, bool) {
	if !correctable[[2]string{inv.Name, res.Error.Code}] {
		return res, false
	}
	if !c.registry.Has(c.opts.ReadBackTool) {
		return res, false
	}

	path := tools.GetStringParam(params, "path", "")
	if path == "" && inv.Name == tools.ToolNameApplyDiff {
		path, _ = tools.DiffTargetPath(tools.GetStringParam(params, "diff", ""))
	}
	if path == "" {
		return res, false
	}

	args, err := json.Marshal(map[string]string{"path": path})
	if err != nil {
		return res, false
	}
	readBack := c.invoke(context.WithoutCancel(ctx), c.opts.ReadBackTool, args)
	if readBack.Failed() {
		c.log.Debug("read-back of %s failed: %s", path, readBack.Error.Error())
		return res, false
	}

	var sb strings.Builder
	if res.Output != "" {
		sb.WriteString(res.Output)
		sb.WriteString("\n\n")
	}
	fmt.Fprintf(&sb, "[auto-correction: current content of %s after %s, failure %d of %s in a row]\n",
		path, res.Error.Code, c.tracker.Count(inv.Name), inv.Name)
	sb.WriteString(readBack.Output)

	res.Output = sb.String()
	c.log.Info("auto-corrected %s (%s) with a read-back of %s", inv.Name, res.Error.Code, path)
	return res, true
}

func (c *Coordinator) report(out Outcome) {
	status := "ok"
	switch {
	case out.Blocked:
		status = "blocked"
	case out.Cancelled:
		status = "cancelled"
	case out.Result.Failed():
		status = out.Result.Error.Code
	}
	err := progress.Dispatch(c.opts.Progress, progress.Update{
		Kind:       progress.KindToolResult,
		ToolName:   out.Invocation.Name,
		Message:    fmt.Sprintf("%s: %s", out.Invocation.Name, status),
		Failed:     out.Result.Failed(),
		AddNewLine: true,
	})
	if err != nil {
		c.log.Debug("progress callback failed: %v", err)
	}
}
