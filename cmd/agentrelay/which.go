package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/holon-run/agentrelay/pkg/resolver"
	"github.com/holon-run/agentrelay/pkg/serve"
)

var whichJSON bool

var whichCmd = &cobra.Command{
	Use:   "which [backend...]",
	Short: "Show which binary each backend resolves to",
	Long: `Resolve backend binaries the same way runs do and report their versions.

Resolution order: the AGENTRELAY_<KIND>_BIN override or backends.<kind>.binary,
then well-known install directories, then PATH.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		kinds, err := parseBackends(args)
		if err != nil {
			return err
		}
		env, err := loadEnvironment(false)
		if err != nil {
			return err
		}

		infos := make([]serve.BackendInfo, 0, len(kinds))
		missing := 0
		for _, kind := range kinds {
			res, err := env.resolver.Which(cmd.Context(), kind)
			if err != nil {
				missing++
				msg := err.Error()
				if errors.Is(err, resolver.ErrNotFound) {
					msg = "not found"
				}
				infos = append(infos, serve.BackendInfo{Backend: string(kind), Error: msg})
				continue
			}
			infos = append(infos, serve.NewBackendInfo(kind, res))
		}

		out := cmd.OutOrStdout()
		if whichJSON {
			if err := writeJSON(out, serve.BackendWhichResult{Backends: infos}); err != nil {
				return err
			}
		} else {
			rows := make([][]string, 0, len(infos))
			for _, info := range infos {
				if info.Error != "" {
					rows = append(rows, []string{info.Backend, failStyle.Render(info.Error), "", ""})
					continue
				}
				version := info.Version
				if version == "" {
					version = dimStyle.Render("unknown")
				}
				path := info.Path
				if info.Entry != "" {
					path = fmt.Sprintf("%s -> %s %s", info.Path, info.Interpreter, info.Entry)
				}
				rows = append(rows, []string{info.Backend, path, info.Source, version})
			}
			fmt.Fprintln(out, renderTable([]string{"BACKEND", "PATH", "SOURCE", "VERSION"}, rows))
		}

		// Asking for specific backends fails when any is missing.
		if len(args) > 0 && missing > 0 {
			return &exitCodeError{code: 1}
		}
		return nil
	},
}

func init() {
	whichCmd.Flags().BoolVar(&whichJSON, "json", false, "Print JSON")
	rootCmd.AddCommand(whichCmd)
}
