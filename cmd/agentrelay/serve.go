package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/holon-run/agentrelay/pkg/backend"
	"github.com/holon-run/agentrelay/pkg/dispatch"
	"github.com/holon-run/agentrelay/pkg/log"
	"github.com/holon-run/agentrelay/pkg/preflight"
	"github.com/holon-run/agentrelay/pkg/serve"
)

var (
	serveListen        string
	serveNoJournal     bool
	serveJournalRedact string
	serveLogFile       string
	serveSkipPreflight bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve runs over WebSocket JSON-RPC",
	Long: `Start the agentrelay server.

Each WebSocket connection to /ws is one endpoint. Endpoints start runs with
run/start and receive that run's events as run/<type> notifications. Requests
may also be POSTed as NDJSON to /rpc; those calls get responses but no events.

Every dispatched event is appended to events.ndjson in the state dir unless
the journal is disabled.`,
	Example: `  # Serve on the configured address (default 127.0.0.1:7345)
  agentrelay serve

  # Serve on another port, logging to a file
  agentrelay serve --listen 127.0.0.1:9000 --log-file /tmp/agentrelay.log`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if serveLogFile == "" {
			return initLogging(nil)
		}
		if err := os.MkdirAll(filepath.Dir(serveLogFile), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(serveLogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		return initLogging(f)
	},
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := loadEnvironment(true)
		if err != nil {
			return err
		}

		listen := serveListen
		if listen == "" {
			listen = env.cfg.Server.Listen
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		checker := preflight.NewChecker(preflight.Config{
			Skip:        serveSkipPreflight,
			Quiet:       true,
			Backends:    backend.All(),
			Locator:     env.resolver,
			Credentials: env.creds,
			Settings:    env.cfg,
			StateDir:    env.stateDir,
		})
		if _, err := checker.Run(ctx); err != nil {
			return err
		}

		d := dispatch.New()
		if env.cfg.Server.Journal && !serveNoJournal {
			redactor, err := env.journalRedactor(serveJournalRedact)
			if err != nil {
				return err
			}
			journal, err := serve.OpenJournal(filepath.Join(env.stateDir, serve.JournalFile), redactor)
			if err != nil {
				return err
			}
			defer journal.Close()
			d.Tap(journal)
			log.Info("event journal enabled", "path", journal.Path(), "redact", redactor.Mode())
		}

		r, err := env.newRunner(d)
		if err != nil {
			return err
		}

		registry := serve.NewMethodRegistry()
		serve.NewService(r, env.resolver, d, Version).Register(registry)
		srv := serve.NewServer(serve.Options{Registry: registry, Dispatcher: d})

		ln, err := net.Listen("tcp", listen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", listen, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "agentrelay listening on %s\n", serverURL(ln.Addr().String()))

		serveErr := srv.Serve(ctx, ln)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), env.cancelGrace()+5*time.Second)
		defer cancel()
		if err := r.Shutdown(shutdownCtx); err != nil {
			log.Warn("runs did not exit before shutdown deadline", "error", err)
		}
		log.Progress("server stopped")
		return serveErr
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Address to listen on (default: server.listen from config)")
	serveCmd.Flags().BoolVar(&serveNoJournal, "no-journal", false, "Do not write events.ndjson")
	serveCmd.Flags().StringVar(&serveJournalRedact, "journal-redact", "", "Mask secrets in the journal: off, basic or aggressive (default: server.journal_redact)")
	serveCmd.Flags().StringVar(&serveLogFile, "log-file", "", "Write logs to this file instead of stderr")
	serveCmd.Flags().BoolVar(&serveSkipPreflight, "skip-preflight", false, "Skip startup checks")
	rootCmd.AddCommand(serveCmd)
}
