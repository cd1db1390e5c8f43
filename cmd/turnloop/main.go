package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/codefionn/turnloop/internal/cli"
	"github.com/codefionn/turnloop/internal/config"
	"github.com/codefionn/turnloop/internal/logger"
	"github.com/codefionn/turnloop/internal/tokens"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	configFile   string
	providerFlag string
	modelFlag    string
	budgetFlag   int
	workDirFlag  string
	focusFlag    string
	logLevelFlag string
	noWatchFlag  bool
)

var rootCmd = &cobra.Command{
	Use:   "turnloop [prompt]",
	Short: "Coding assistant loop that keeps long conversations within a token budget",
	Long: `turnloop mediates a conversation between you, a language model and a set of
workspace tools. History is pruned before every request so the conversation
fits the configured token budget.

Without a prompt an interactive session starts. Ctrl-C cancels the running
turn; pressing it again while idle exits.`,
	SilenceUsage: true,
	RunE:         run,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&configFile, "config", "", "Configuration file (JSON), defaults to "+config.GetConfigPath())
	flags.StringVar(&providerFlag, "provider", "", "Backend provider: anthropic, openai or google")
	flags.StringVar(&modelFlag, "model", "", "Model name")
	flags.IntVar(&budgetFlag, "budget", 0, "Token budget for the history (0 keeps the configured value)")
	flags.StringVarP(&workDirFlag, "dir", "C", "", "Working directory for tools")
	flags.StringVar(&focusFlag, "focus", "", "File the conversation is focused on")
	flags.StringVar(&logLevelFlag, "log-level", "", "Log level: debug, info, warn, error, none")
	flags.BoolVar(&noWatchFlag, "no-watch", false, "Do not follow file writes to update the focus file")
}

func run(cmd *cobra.Command, args []string) (err error) {
	path := configFile
	if path == "" {
		path = config.GetConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyFlags(cmd, cfg)

	if initErr := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); initErr != nil {
		return fmt.Errorf("failed to initialize logger: %w", initErr)
	}
	defer func() {
		if err != nil {
			logger.Error("Fatal error: %v", err)
		}
		if closeErr := logger.Global().Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close logger: %v\n", closeErr)
		}
	}()
	slog.SetDefault(slog.New(logger.NewSlogHandler(logger.Global())))

	logger.Info("turnloop starting")
	logger.Debug("Configuration loaded: provider=%s, model=%s, budget=%d, working_dir=%s", cfg.Provider, cfg.Model, cfg.Budget, cfg.WorkingDir)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	runner, err := cli.New(ctx, cfg, cli.Options{
		Out:     os.Stdout,
		Err:     os.Stderr,
		Styled:  term.IsTerminal(int(os.Stderr.Fd())),
		Display: tokens.NewTiktoken(cfg.Model),
	})
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := runner.Close(); closeErr != nil {
			logger.Warn("Failed to close CLI runner cleanly: %v", closeErr)
		}
	}()

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	if len(args) > 0 {
		turnCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-interrupts:
				cancel()
			case <-turnCtx.Done():
			}
		}()
		return runner.Run(turnCtx, strings.Join(args, " "))
	}

	return runner.REPL(ctx, os.Stdin, interrupts)
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("provider") {
		cfg.Provider = providerFlag
	}
	if flags.Changed("model") {
		cfg.Model = modelFlag
	}
	if flags.Changed("budget") && budgetFlag > 0 {
		cfg.Budget = budgetFlag
	}
	if flags.Changed("dir") {
		cfg.WorkingDir = workDirFlag
	}
	if flags.Changed("focus") {
		cfg.FocusPath = focusFlag
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevelFlag
	}
	if noWatchFlag {
		cfg.WatchFocus = false
	}
}
