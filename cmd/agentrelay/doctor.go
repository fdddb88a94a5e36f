package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/holon-run/agentrelay/pkg/backend"
	"github.com/holon-run/agentrelay/pkg/preflight"
)

var (
	doctorWorkspace string
	doctorListen    string
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the local setup",
	Long: `Check backend binaries, base URLs, credentials and the state dir.

Missing backends and API keys are warnings: a backend you do not use need not
be installed, and most CLIs can log in without an API key.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := loadEnvironment(false)
		if err != nil {
			return err
		}

		checker := preflight.NewChecker(preflight.Config{
			Quiet:         true,
			Backends:      backend.All(),
			Locator:       env.resolver,
			Credentials:   env.creds,
			Settings:      env.cfg,
			WorkspacePath: doctorWorkspace,
			StateDir:      env.stateDir,
			ListenAddr:    doctorListen,
		})
		results, runErr := checker.Run(cmd.Context())

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "config: %s\n", env.cfgPath)
		for _, r := range results {
			var tag string
			switch r.Level {
			case preflight.LevelError:
				tag = failStyle.Render("[error]")
			case preflight.LevelWarn:
				tag = warnStyle.Render("[warn] ")
			default:
				tag = okStyle.Render("[ok]   ")
			}
			fmt.Fprintf(out, "%s %-18s %s\n", tag, r.Name, r.Message)
		}

		if runErr != nil {
			return &exitCodeError{code: 1}
		}
		return nil
	},
}

func init() {
	doctorCmd.Flags().StringVarP(&doctorWorkspace, "workspace", "w", "", "Also check that this workspace directory is usable")
	doctorCmd.Flags().StringVar(&doctorListen, "listen", "", "Also check that this address can be bound")
	rootCmd.AddCommand(doctorCmd)
}
