package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/holon-run/agentrelay/pkg/backend"
	"github.com/holon-run/agentrelay/pkg/reducer"
	"github.com/holon-run/agentrelay/pkg/tui"
)

var (
	chatURL          string
	chatBackend      string
	chatConversation string
	chatCwd          string
	chatEndpoint     string
	chatExtraArgs    []string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with an agent through a running server",
	Long: `Open a terminal chat connected to "agentrelay serve".

Each prompt becomes a run on the server. Runs in the same conversation resume
the backend session of the previous turn.`,
	Example: `  # Connect to the configured server
  agentrelay chat

  # Use codex in another repository
  agentrelay chat -b codex -C ~/src/project`,
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := backend.Parse(chatBackend)
		if err != nil {
			return err
		}

		url := chatURL
		if url == "" {
			env, err := loadEnvironment(false)
			if err != nil {
				return err
			}
			url = serverURL(env.cfg.Server.Listen)
		}

		session, err := tui.Connect(cmd.Context(), url, chatEndpoint)
		if err != nil {
			return fmt.Errorf("%w (is \"agentrelay serve\" running?)", err)
		}
		defer session.Close()

		return tui.Run(cmd.Context(), tui.Options{
			Client:         session,
			Events:         session.Events(),
			Store:          reducer.New(),
			Backend:        kind,
			ConversationID: chatConversation,
			Cwd:            chatCwd,
			ExtraArgs:      chatExtraArgs,
		})
	},
}

func init() {
	chatCmd.Flags().StringVar(&chatURL, "url", "", "Server URL (default: ws://<server.listen from config>)")
	chatCmd.Flags().StringVarP(&chatBackend, "backend", "b", string(backend.Claude), "Backend to chat with")
	chatCmd.Flags().StringVar(&chatConversation, "conversation", "", "Conversation id to continue (default: a new one)")
	chatCmd.Flags().StringVarP(&chatCwd, "cwd", "C", "", "Working directory for runs (default: the server's)")
	chatCmd.Flags().StringVar(&chatEndpoint, "endpoint", "", "Endpoint id; reuse one to reattach to running runs")
	chatCmd.Flags().StringArrayVar(&chatExtraArgs, "arg", nil, "Extra argument passed to the backend CLI (repeatable)")
	rootCmd.AddCommand(chatCmd)
}
