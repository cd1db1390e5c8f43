package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/codefionn/turnloop/internal/backend"
	"github.com/codefionn/turnloop/internal/config"
	"github.com/codefionn/turnloop/internal/failures"
	"github.com/codefionn/turnloop/internal/focus"
	"github.com/codefionn/turnloop/internal/logger"
	"github.com/codefionn/turnloop/internal/loop"
	"github.com/codefionn/turnloop/internal/progress"
	"github.com/codefionn/turnloop/internal/tokens"
	"github.com/codefionn/turnloop/internal/tools"
	"github.com/google/uuid"
)

// maxPrefetchBytes caps files read in the background.
const maxPrefetchBytes = 256 * 1024

// Options adjust how the CLI is wired and where it writes.
type Options struct {
	Out io.Writer // assistant text
	Err io.Writer // status lines
	// Styled enables lipgloss styling of status lines.
	Styled bool
	// Backend replaces the provider configured in the config.
	Backend backend.Backend
	// Display is the tokenizer shown by /usage.
	Display tokens.Estimator
}

// CLI runs turns from the command line or an interactive prompt.
type CLI struct {
	config    *config.Config
	loop      *loop.Loop
	workspace *tools.Workspace
	focus     *focus.Tracker
	sessionID string

	out    io.Writer
	errOut io.Writer
	writeM sync.Mutex
	styles styles
	log    *logger.Logger
}

type styles struct {
	status func(...string) string
	failed func(...string) string
	prompt func(...string) string
}

func newStyles(enabled bool) styles {
	if !enabled {
		plain := func(s ...string) string { return strings.Join(s, " ") }
		return styles{status: plain, failed: plain, prompt: plain}
	}
	return styles{
		status: lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Render,
		failed: lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true).Render,
		prompt: lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true).Render,
	}
}

// New wires the workspace tools, the backend and the conversation loop.
func New(ctx context.Context, cfg *config.Config, opts Options) (*CLI, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Err == nil {
		opts.Err = os.Stderr
	}

	ws, err := tools.NewWorkspace(cfg.WorkingDir)
	if err != nil {
		return nil, err
	}

	be := opts.Backend
	if be == nil {
		be, err = backend.New(ctx, backend.Config{
			Provider:  cfg.Provider,
			Model:     cfg.Model,
			APIKey:    cfg.APIKey(),
			MaxTokens: cfg.MaxTokens,
			BaseURL:   cfg.BaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create %s backend (key from $%s): %w", cfg.Provider, cfg.APIKeyVariable(), err)
		}
	}

	c := &CLI{
		config:    cfg,
		workspace: ws,
		sessionID: uuid.NewString(),
		out:       opts.Out,
		errOut:    opts.Err,
		styles:    newStyles(opts.Styled),
		log:       logger.Global().WithPrefix("cli"),
	}

	c.loop = loop.New(cfg.LoopConfig(), loop.Dependencies{
		Backend:   be,
		Registry:  tools.NewRegistry(tools.WorkspaceTools(ws)...),
		Tracker:   failures.NewTracker(failures.WithThreshold(cfg.RetryThreshold)),
		Estimator: tokens.CharEstimator{CharsPerToken: cfg.CharsPerToken},
		Display:   opts.Display,
		Progress:  c.onProgress,
		Prefetch:  c.readForPrefetch,
	})

	if cfg.WatchFocus {
		tracker, err := focus.New(ws.Root(), c.loop.SetFocusPath)
		if err != nil {
			c.log.Warn("focus tracking disabled: %v", err)
		} else {
			c.focus = tracker
		}
	}

	c.log.Info("session %s started in %s with provider %s", c.sessionID, ws.Root(), cfg.Provider)
	return c, nil
}

// SessionID identifies this CLI run in the log.
func (c *CLI) SessionID() string {
	return c.sessionID
}

// Loop exposes the conversation loop.
func (c *CLI) Loop() *loop.Loop {
	return c.loop
}

// Close stops the focus tracker and background reads.
func (c *CLI) Close() error {
	var err error
	if c.focus != nil {
		err = c.focus.Close()
	}
	c.loop.Close()
	return err
}

// Run submits a single prompt and waits for the turn to finish.
func (c *CLI) Run(ctx context.Context, prompt string) error {
	res, err := c.loop.Submit(ctx, prompt)
	if err != nil {
		return fmt.Errorf("failed to process prompt: %w", err)
	}
	c.report(res)
	if res.Err != nil {
		return res.Err
	}
	return nil
}

// REPL reads prompts line by line until EOF, /quit or an interrupt while no
// turn is running. An interrupt during a turn cancels only that turn.
func (c *CLI) REPL(ctx context.Context, in io.Reader, interrupts <-chan os.Signal) error {
	stop := make(chan struct{})
	defer close(stop)

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-stop:
				return
			}
		}
		readErr <- scanner.Err()
	}()

	c.statusf("session %s, /help for commands", c.sessionID)
	for {
		c.printPrompt()
		select {
		case <-ctx.Done():
			return nil
		case <-interrupts:
			c.write(c.errOut, "\n")
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if strings.HasPrefix(line, "/") {
				if quit := c.command(line); quit {
					return nil
				}
				continue
			}
			c.turn(ctx, line, interrupts)
		}
	}
}

func (c *CLI) turn(ctx context.Context, input string, interrupts <-chan os.Signal) {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		res loop.TurnResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := c.loop.Submit(turnCtx, input)
		done <- outcome{res, err}
	}()

	for {
		select {
		case <-interrupts:
			cancel()
			c.statusf("cancelling...")
		case out := <-done:
			if out.err != nil {
				c.failedf("%v", out.err)
				return
			}
			c.report(out.res)
			return
		}
	}
}

func (c *CLI) report(res loop.TurnResult) {
	if res.Text != "" && !strings.HasSuffix(res.Text, "\n") {
		c.write(c.out, "\n")
	}
	switch {
	case res.Err != nil:
		c.failedf("history was reset, task: %s", c.loop.TaskLabel())
	case res.StopReason == loop.StopReasonMaxContinuations:
		c.statusf("stopped after %d tool rounds", res.Continuations)
	}
	c.log.Debug("turn finished: stop=%s continuations=%d tools=%d", res.StopReason, res.Continuations, len(res.Outcomes))
}

// command handles a slash command and reports whether the REPL should end.
func (c *CLI) command(line string) bool {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/quit", "/exit":
		return true
	case "/reset":
		c.loop.ResetHistory()
		c.statusf("history cleared")
	case "/usage":
		c.statusf("%s", formatUsage(c.loop.TokenUsage()))
	case "/failures":
		c.statusf("%s", c.loop.FailureSummary().String())
	case "/focus":
		if arg != "" {
			c.loop.SetFocusPath(arg)
		}
		if current := c.loop.FocusPath(); current != "" {
			c.statusf("focus: %s", current)
		} else {
			c.statusf("no focus file")
		}
	case "/help":
		c.statusf("/reset  /usage  /failures  /focus [path]  /quit")
	default:
		c.failedf("unknown command %s", name)
	}
	return false
}

func formatUsage(u loop.TokenUsage) string {
	budget := "unlimited"
	if u.Budget > 0 {
		budget = fmt.Sprintf("%d (%d%%)", u.Budget, u.EstimatedTokens*100/u.Budget)
	}
	return fmt.Sprintf("history: %d messages, ~%d tokens (tokenizer %d), budget %s; backend: last %d in / %d out, total %d in / %d out",
		u.Messages, u.EstimatedTokens, u.DisplayTokens, budget,
		u.LastInputTokens, u.LastOutputTokens, u.TotalInputTokens, u.TotalOutputTokens)
}

func (c *CLI) onProgress(update progress.Update) error {
	update = progress.Normalize(update)
	if update.Message == "" {
		return nil
	}
	switch {
	case update.ShouldStream():
		c.write(c.out, update.Message)
	case update.Failed:
		c.write(c.errOut, c.styles.failed(strings.TrimRight(update.Message, "\n"))+"\n")
	default:
		c.write(c.errOut, c.styles.status(strings.TrimRight(update.Message, "\n"))+"\n")
	}
	return nil
}

func (c *CLI) readForPrefetch(ctx context.Context, path string) (string, error) {
	abs, err := c.workspace.Resolve(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if info.IsDir() || info.Size() > maxPrefetchBytes {
		return "", errors.New("not a small regular file")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", err
	}
	if tools.IsBinary(abs, data) {
		return "", errors.New("binary file")
	}
	return string(data), nil
}

func (c *CLI) printPrompt() {
	c.write(c.errOut, c.styles.prompt("> "))
}

func (c *CLI) statusf(format string, args ...any) {
	c.write(c.errOut, c.styles.status(fmt.Sprintf(format, args...))+"\n")
}

func (c *CLI) failedf(format string, args ...any) {
	c.write(c.errOut, c.styles.failed(fmt.Sprintf(format, args...))+"\n")
}

func (c *CLI) write(w io.Writer, s string) {
	c.writeM.Lock()
	defer c.writeM.Unlock()
	_, _ = io.WriteString(w, s)
}
