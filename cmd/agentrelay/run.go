package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/holon-run/agentrelay/pkg/backend"
	"github.com/holon-run/agentrelay/pkg/dispatch"
	"github.com/holon-run/agentrelay/pkg/event"
	"github.com/holon-run/agentrelay/pkg/log"
	"github.com/holon-run/agentrelay/pkg/reducer"
	"github.com/holon-run/agentrelay/pkg/runner"
)

// cliEndpoint is the in-process endpoint of run.
const cliEndpoint = "cli"

// exitCanceled is the exit status of a run interrupted with Ctrl-C.
const exitCanceled = 130

var (
	runBackend      string
	runCwd          string
	runConversation string
	runResume       string
	runRunID        string
	runExtraArgs    []string
	runOutput       string
)

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Run an agent once and print its answer",
	Long: `Run a backend CLI once with the given prompt.

The prompt is taken from the arguments, or read from stdin when it is "-" or
absent. Ctrl-C cancels the run.

Output modes:
  text    the final assistant text (default)
  raw     the agent's stdout and stderr, byte for byte
  events  one JSON event per line`,
	Example: `  agentrelay run "explain main.go"
  echo "fix the failing test" | agentrelay run -b codex -C ./repo
  agentrelay run --conversation work "and now add a test"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt, err := readPrompt(cmd.InOrStdin(), args)
		if err != nil {
			return err
		}
		kind, err := backend.Parse(runBackend)
		if err != nil {
			return err
		}
		printer, err := newRunPrinter(runOutput, cmd.OutOrStdout(), cmd.ErrOrStderr())
		if err != nil {
			return err
		}

		env, err := loadEnvironment(false)
		if err != nil {
			return err
		}

		runID := strings.TrimSpace(runRunID)
		if runID == "" {
			runID = uuid.NewString()
		}

		store := reducer.New()
		if err := store.Begin(runConversation, kind, runID, prompt); err != nil {
			return err
		}

		exited := make(chan event.Exit, 1)
		d := dispatch.New()
		disconnect := d.Connect(cliEndpoint, dispatch.SinkFunc(func(ev event.Event) error {
			store.Apply(ev)
			printer.print(ev)
			if e, ok := ev.(event.Exit); ok {
				exited <- e
			}
			return nil
		}))
		defer disconnect()

		r, err := env.newRunner(d)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if _, err := r.Start(ctx, runner.Request{
			Backend:        kind,
			WorkDir:        runCwd,
			Prompt:         prompt,
			ExtraArgs:      runExtraArgs,
			RunID:          runID,
			ResumeID:       runResume,
			ConversationID: runConversation,
			Endpoint:       cliEndpoint,
		}); err != nil {
			return err
		}

		canceled := false
		select {
		case <-exited:
		case <-ctx.Done():
			// A second interrupt kills agentrelay itself.
			stop()
			canceled = true
			log.Progress("canceling run", "run_id", runID)
			r.Cancel(runID)
			<-exited
		}

		msg, _ := store.Message(runID)
		printer.finish(msg)

		if msg.Status == reducer.StatusSuccess {
			return nil
		}
		code := 1
		switch {
		case canceled:
			code = exitCanceled
		case msg.ExitCode != nil && *msg.ExitCode > 0:
			code = *msg.ExitCode
		}
		return &exitCodeError{code: code, err: fmt.Errorf("%s run failed: %s", kind, msg.Error)}
	},
}

// readPrompt joins args, falling back to stdin for "-" or no args.
func readPrompt(stdin io.Reader, args []string) (string, error) {
	prompt := strings.Join(args, " ")
	if len(args) == 0 || (len(args) == 1 && args[0] == "-") {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read prompt from stdin: %w", err)
		}
		prompt = string(data)
	}
	if strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("prompt is empty")
	}
	return prompt, nil
}

type outputMode string

const (
	outputText   outputMode = "text"
	outputRaw    outputMode = "raw"
	outputEvents outputMode = "events"
)

// runPrinter writes events as they arrive. Both pump goroutines call it.
type runPrinter struct {
	mu     sync.Mutex
	mode   outputMode
	stdout io.Writer
	stderr io.Writer
}

func newRunPrinter(mode string, stdout, stderr io.Writer) (*runPrinter, error) {
	m := outputMode(strings.ToLower(strings.TrimSpace(mode)))
	switch m {
	case outputText, outputRaw, outputEvents:
	default:
		return nil, fmt.Errorf("invalid --output %q (want text, raw or events)", mode)
	}
	return &runPrinter{mode: m, stdout: stdout, stderr: stderr}, nil
}

func (p *runPrinter) print(ev event.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.mode {
	case outputEvents:
		data, err := event.Marshal(ev)
		if err != nil {
			log.Warn("failed to encode event", "run_id", ev.Meta().RunID, "error", err)
			return
		}
		p.stdout.Write(append(data, '\n'))
	case outputRaw:
		if l, ok := ev.(event.Log); ok {
			if l.Stream == event.Stderr {
				io.WriteString(p.stderr, l.Text)
			} else {
				io.WriteString(p.stdout, l.Text)
			}
		}
	case outputText:
		if e, ok := ev.(event.Error); ok {
			fmt.Fprintln(p.stderr, "error:", e.Message)
		}
	}
}

// finish prints the final answer in text mode.
func (p *runPrinter) finish(msg reducer.Message) {
	if p.mode != outputText || msg.Output == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	io.WriteString(p.stdout, msg.Output)
	if !strings.HasSuffix(msg.Output, "\n") {
		io.WriteString(p.stdout, "\n")
	}
}

func init() {
	runCmd.Flags().StringVarP(&runBackend, "backend", "b", string(backend.Claude), "Backend: "+strings.Join(backend.Names(), ", "))
	runCmd.Flags().StringVarP(&runCwd, "cwd", "C", "", "Working directory for the agent (default: current directory)")
	runCmd.Flags().StringVar(&runConversation, "conversation", "", "Conversation id; runs in the same conversation resume each other")
	runCmd.Flags().StringVar(&runResume, "resume", "", "Resume this backend session id explicitly")
	runCmd.Flags().StringVar(&runRunID, "run-id", "", "Run id (default: a generated UUID)")
	runCmd.Flags().StringArrayVar(&runExtraArgs, "arg", nil, "Extra argument passed to the backend CLI (repeatable)")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", string(outputText), "Output mode: text, raw or events")
	rootCmd.AddCommand(runCmd)
}
