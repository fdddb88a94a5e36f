package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/holon-run/agentrelay/pkg/dispatch"
	"github.com/holon-run/agentrelay/pkg/runner"
)

var (
	probeTimeout time.Duration
	probePrompt  string
	probeCwd     string
	probeJSON    bool
)

var probeCmd = &cobra.Command{
	Use:   "probe <backend>...",
	Short: "Check that a backend answers a prompt",
	Long: `Run each backend once with a short prompt and report whether it answered.

A probe that exceeds --timeout is killed; its partial output is still shown.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kinds, err := parseBackends(args)
		if err != nil {
			return err
		}
		env, err := loadEnvironment(false)
		if err != nil {
			return err
		}
		r, err := env.newRunner(dispatch.New())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		results := make([]runner.ProbeResult, 0, len(kinds))
		failed := 0
		for _, kind := range kinds {
			res, err := r.Probe(cmd.Context(), runner.ProbeRequest{
				Backend: kind,
				WorkDir: probeCwd,
				Prompt:  probePrompt,
				Timeout: probeTimeout,
			})
			if err != nil {
				failed++
				if probeJSON {
					results = append(results, runner.ProbeResult{Backend: kind, Output: err.Error()})
				} else {
					fmt.Fprintf(out, "%s %s: %v\n", failStyle.Render("✗"), kind, err)
				}
				continue
			}
			if !res.OK {
				failed++
			}
			if probeJSON {
				results = append(results, res)
				continue
			}
			printProbe(cmd, res)
		}

		if probeJSON {
			if err := writeJSON(out, results); err != nil {
				return err
			}
		}
		if failed > 0 {
			return &exitCodeError{code: 1}
		}
		return nil
	},
}

func printProbe(cmd *cobra.Command, res runner.ProbeResult) {
	out := cmd.OutOrStdout()
	mark := okStyle.Render("✓")
	status := "ok"
	switch {
	case res.TimedOut:
		mark, status = failStyle.Render("✗"), "timed out"
	case !res.OK && res.Signal != "":
		mark, status = failStyle.Render("✗"), "terminated by "+res.Signal
	case !res.OK:
		mark, status = failStyle.Render("✗"), fmt.Sprintf("exit code %d", res.ExitCode)
	}

	version := res.Version
	if version == "" {
		version = "version unknown"
	}
	fmt.Fprintf(out, "%s %s %s (%s, %s, %s)\n", mark, res.Backend, status, res.Path, version, res.Duration.Round(time.Millisecond))
	if output := strings.TrimSpace(res.Output); output != "" {
		for _, line := range strings.Split(output, "\n") {
			fmt.Fprintln(out, dimStyle.Render("    "+line))
		}
	}
}

func init() {
	probeCmd.Flags().DurationVar(&probeTimeout, "timeout", 30*time.Second, "Wall-clock limit per probe")
	probeCmd.Flags().StringVar(&probePrompt, "prompt", "", "Prompt to send (default: a short connectivity question)")
	probeCmd.Flags().StringVarP(&probeCwd, "cwd", "C", "", "Working directory for the probe")
	probeCmd.Flags().BoolVar(&probeJSON, "json", false, "Print JSON")
	rootCmd.AddCommand(probeCmd)
}
