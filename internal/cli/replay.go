package cli

import (
	"github.com/spf13/cobra"

	"defi-agents/internal/app"
)

var (
	replayAccount   string
	replayAgentType string
	replayDryRun    bool
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Rebuild agent statistics from execution history",
	RunE: func(cmd *cobra.Command, args []string) error {
		agentType, err := parseAgentType(replayAgentType)
		if err != nil {
			return err
		}
		return getApp().Replay(cmd.Context(), app.ReplayOptions{
			Account:   replayAccount,
			AgentType: agentType,
			DryRun:    replayDryRun,
		})
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayAccount, "account", "", "Account key (defaults to every configured account)")
	replayCmd.Flags().StringVar(&replayAgentType, "agent-type", "", "Only this agent type")
	replayCmd.Flags().BoolVar(&replayDryRun, "dry-run", false, "Compute without writing stats")
}
