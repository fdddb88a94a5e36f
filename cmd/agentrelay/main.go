package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/holon-run/agentrelay/pkg/log"
)

var (
	configPath string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "agentrelay",
	Short: "agentrelay runs local coding-agent CLIs and relays their output as events.",
	Long: `agentrelay launches coding-agent CLIs (claude, glm, codex) as child processes,
turns their output into a stream of typed events, and delivers those events to
whichever client started the run.

Use "agentrelay serve" to expose runs over WebSocket JSON-RPC, or "agentrelay run"
for a one-shot run in the terminal.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initLogging(nil)
	},
}

// exitCodeError carries a process exit code out of a command.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit status %d", e.code)
}

func (e *exitCodeError) Unwrap() error { return e.err }

// initLogging configures the global logger. CLI logs go to stderr so stdout
// carries only agent output.
func initLogging(out *os.File) error {
	level, ok := log.ParseLevel(logLevel)
	if !ok {
		return fmt.Errorf("invalid --log-level %q (want debug, info, progress, minimal, warn or error)", logLevel)
	}
	if out == nil {
		out = os.Stderr
	}
	if err := log.Init(log.Config{Level: level, Format: logFormat, Output: out}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default: $AGENTRELAY_CONFIG or ~/.agentrelay/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "minimal", "Log level: debug, info, progress, minimal, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "Log format: console or json")
}

func main() {
	os.Exit(run())
}

// run executes the root command and returns the process exit code.
func run() int {
	err := rootCmd.Execute()
	_ = log.Sync()
	if err == nil {
		return 0
	}

	var exitErr *exitCodeError
	if errors.As(err, &exitErr) {
		if exitErr.err != nil {
			fmt.Fprintln(os.Stderr, exitErr.err)
		}
		return exitErr.code
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	return 1
}
