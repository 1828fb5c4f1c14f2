package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"defi-agents/internal/app"
)

var (
	queryAccount   string
	queryAgentType string
	queryStatus    string
	queryLimit     int
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Display cumulative agent statistics for an account",
	RunE: func(cmd *cobra.Command, args []string) error {
		agentType, err := parseAgentType(queryAgentType)
		if err != nil {
			return err
		}
		return getApp().Stats(cmd.Context(), app.QueryOptions{Account: queryAccount, AgentType: agentType})
	},
}

var executionsCmd = &cobra.Command{
	Use:   "executions",
	Short: "Display recent executions for an account",
	RunE: func(cmd *cobra.Command, args []string) error {
		if queryLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		agentType, err := parseAgentType(queryAgentType)
		if err != nil {
			return err
		}
		status, err := parseStatus(queryStatus)
		if err != nil {
			return err
		}
		return getApp().Executions(cmd.Context(), app.QueryOptions{
			Account:   queryAccount,
			AgentType: agentType,
			Status:    status,
			Limit:     queryLimit,
		})
	},
}

func init() {
	for _, cmd := range []*cobra.Command{statsCmd, executionsCmd} {
		cmd.Flags().StringVar(&queryAccount, "account", "", "Account key")
		cmd.Flags().StringVar(&queryAgentType, "agent-type", "", "Only this agent type (arbitrage, yield, rebalance, risk)")
		_ = cmd.MarkFlagRequired("account")
	}
	executionsCmd.Flags().StringVar(&queryStatus, "status", "", "Only this status (pending, confirmed, failed)")
	executionsCmd.Flags().IntVar(&queryLimit, "limit", 20, "Number of executions to display")
}
