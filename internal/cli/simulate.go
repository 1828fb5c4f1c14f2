package cli

import (
	"github.com/spf13/cobra"

	"defi-agents/internal/app"
)

var (
	simulateAgent   string
	simulatePersist bool
	simulateJSON    bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run one simulated round per agent and print candidates and decisions",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := getApp().Simulate(cmd.Context(), app.SimulateOptions{
			Agent:   simulateAgent,
			Persist: simulatePersist,
			JSON:    simulateJSON,
		})
		return err
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateAgent, "agent", "", "Only run this agent")
	simulateCmd.Flags().BoolVar(&simulatePersist, "persist", false, "Record executions in the configured database")
	simulateCmd.Flags().BoolVar(&simulateJSON, "json", false, "Print round results as JSON")
}
