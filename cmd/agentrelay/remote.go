package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/holon-run/agentrelay/pkg/serve"
)

var (
	remoteURL  string
	statusJSON bool
)

// dialServer connects to --url or the configured listen address.
func dialServer(ctx context.Context) (*serve.Client, error) {
	url := remoteURL
	if url == "" {
		env, err := loadEnvironment(false)
		if err != nil {
			return nil, err
		}
		url = serverURL(env.cfg.Server.Listen)
	}
	return serve.Dial(ctx, serve.ClientConfig{URL: url})
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a running server's live runs and endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		client, err := dialServer(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		st, err := client.Status(ctx)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if statusJSON {
			return writeJSON(out, st)
		}

		uptime := (time.Duration(st.UptimeMS) * time.Millisecond).Round(time.Second)
		fmt.Fprintf(out, "agentrelay %s, up %s\n\n", st.Version, uptime)

		if len(st.Runs) == 0 {
			fmt.Fprintln(out, "no live runs")
		} else {
			rows := make([][]string, 0, len(st.Runs))
			for _, r := range st.Runs {
				state := "running"
				if r.Canceled {
					state = warnStyle.Render("canceling")
				}
				rows = append(rows, []string{
					r.RunID,
					string(r.Backend),
					fmt.Sprint(r.PID),
					r.Endpoint,
					time.Since(r.StartedAt).Round(time.Second).String(),
					state,
				})
			}
			fmt.Fprintln(out, renderTable([]string{"RUN", "BACKEND", "PID", "ENDPOINT", "AGE", "STATE"}, rows))
		}

		// The status call's own endpoint is always listed.
		rows := make([][]string, 0, len(st.Endpoints))
		for _, e := range st.Endpoints {
			if e.Endpoint == client.Endpoint() {
				continue
			}
			connected := dimStyle.Render("gone")
			if e.Connected {
				connected = okStyle.Render("connected")
			}
			rows = append(rows, []string{e.Endpoint, connected, fmt.Sprint(e.Delivered), fmt.Sprint(e.Dropped)})
		}
		if len(rows) > 0 {
			fmt.Fprintln(out)
			fmt.Fprintln(out, renderTable([]string{"ENDPOINT", "STATE", "DELIVERED", "DROPPED"}, rows))
		}
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a run on a running server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		client, err := dialServer(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		ok, err := client.CancelRun(ctx, args[0])
		if err != nil {
			return err
		}
		if !ok {
			return &exitCodeError{code: 1, err: fmt.Errorf("run %s is not active", args[0])}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "canceling %s\n", args[0])
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{statusCmd, cancelCmd} {
		c.Flags().StringVar(&remoteURL, "url", "", "Server URL (default: ws://<server.listen from config>)")
		rootCmd.AddCommand(c)
	}
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print JSON")
}
