package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/holon-run/agentrelay/pkg/backend"
	"github.com/holon-run/agentrelay/pkg/event"
	"github.com/holon-run/agentrelay/pkg/reducer"
	"github.com/holon-run/agentrelay/pkg/serve"
)

// journalConversation groups replayed runs in the reducer.
const journalConversation = "journal"

var (
	logsJournal string
	logsStream  string
	logsEvents  bool
)

var logsCmd = &cobra.Command{
	Use:   "logs [run-id]",
	Short: "Replay run output from the server's event journal",
	Long: `Replay runs recorded in events.ndjson.

Without a run id, lists the recorded runs. With one, writes the run's stdout
and stderr exactly as the agent produced them.`,
	Example: `  agentrelay logs
  agentrelay logs 3f0c… --stream stdout > out.txt
  agentrelay logs 3f0c… --events`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := logsJournal
		if path == "" {
			env, err := loadEnvironment(false)
			if err != nil {
				return err
			}
			path = filepath.Join(env.stateDir, serve.JournalFile)
		}
		f, err := os.Open(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("no event journal at %s", path)
			}
			return fmt.Errorf("failed to open journal: %w", err)
		}
		defer f.Close()

		if len(args) == 1 && logsEvents {
			return printJournalEvents(cmd.OutOrStdout(), f, args[0])
		}

		store, err := replayJournal(f)
		if err != nil {
			return err
		}
		if len(args) == 0 {
			return listRuns(cmd.OutOrStdout(), store)
		}
		return writeRunLogs(cmd.OutOrStdout(), cmd.ErrOrStderr(), store, args[0], logsStream)
	},
}

// replayJournal folds every journaled event into a reducer store. Each start
// event opens a new message for its run.
func replayJournal(r io.Reader) (*reducer.Store, error) {
	store := reducer.New()
	err := serve.ReadJournal(r, func(ev event.Event) error {
		runID := ev.Meta().RunID
		if start, ok := ev.(event.Start); ok {
			// A run id reused after an unfinished run keeps the old message.
			_ = store.Begin(journalConversation, backend.Kind(start.Backend), runID, "")
		} else if _, ok := store.Message(runID); !ok {
			_ = store.Begin(journalConversation, "", runID, "")
		}
		store.Apply(ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return store, nil
}

func listRuns(w io.Writer, store *reducer.Store) error {
	conv, ok := store.Conversation(journalConversation)
	if !ok || len(conv.Messages) == 0 {
		fmt.Fprintln(w, "no runs recorded")
		return nil
	}
	rows := make([][]string, 0, len(conv.Messages))
	for _, m := range conv.Messages {
		code := ""
		if m.ExitCode != nil {
			code = strconv.Itoa(*m.ExitCode)
		}
		status := string(m.Status)
		switch m.Status {
		case reducer.StatusSuccess:
			status = okStyle.Render(status)
		case reducer.StatusError:
			status = failStyle.Render(status)
		}
		rows = append(rows, []string{
			m.RunID,
			string(m.Backend),
			m.StartedAt.Local().Format("2006-01-02 15:04:05"),
			status,
			code,
		})
	}
	fmt.Fprintln(w, renderTable([]string{"RUN", "BACKEND", "STARTED", "STATUS", "EXIT"}, rows))
	return nil
}

// writeRunLogs writes the newest run with runID, stdout lines to stdout and
// stderr lines to stderr, unless stream picks one of them.
func writeRunLogs(stdout, stderr io.Writer, store *reducer.Store, runID, stream string) error {
	switch stream {
	case "", "all", string(event.Stdout), string(event.Stderr):
	default:
		return fmt.Errorf("invalid --stream %q (want all, stdout or stderr)", stream)
	}
	msg, ok := store.Message(runID)
	if !ok {
		return fmt.Errorf("run %s not found in journal", runID)
	}
	for _, entry := range msg.Logs {
		switch {
		case stream == "" || stream == "all":
			if entry.Stream == event.Stderr {
				io.WriteString(stderr, entry.Text)
			} else {
				io.WriteString(stdout, entry.Text)
			}
		case stream == string(entry.Stream):
			io.WriteString(stdout, entry.Text)
		}
	}
	return nil
}

func printJournalEvents(w io.Writer, r io.Reader, runID string) error {
	found := false
	err := serve.ReadJournal(r, func(ev event.Event) error {
		if ev.Meta().RunID != runID {
			return nil
		}
		found = true
		data, err := event.Marshal(ev)
		if err != nil {
			return err
		}
		_, err = w.Write(append(data, '\n'))
		return err
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("run %s not found in journal", runID)
	}
	return nil
}

func init() {
	logsCmd.Flags().StringVar(&logsJournal, "journal", "", "Journal file (default: events.ndjson in the state dir)")
	logsCmd.Flags().StringVar(&logsStream, "stream", "all", "Which output to replay: all, stdout or stderr")
	logsCmd.Flags().BoolVar(&logsEvents, "events", false, "Print the run's events as JSON lines instead of its output")
	rootCmd.AddCommand(logsCmd)
}
