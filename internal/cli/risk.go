package cli

import (
	"github.com/spf13/cobra"

	"defi-agents/internal/app"
)

var (
	riskAgent string
	riskJSON  bool
)

var riskCmd = &cobra.Command{
	Use:   "risk",
	Short: "Assess the portfolio risk of an agent's holdings",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := getApp().Risk(cmd.Context(), app.RiskOptions{Agent: riskAgent, JSON: riskJSON})
		return err
	},
}

func init() {
	riskCmd.Flags().StringVar(&riskAgent, "agent", "", "Agent whose holdings are assessed (defaults to the first with holdings)")
	riskCmd.Flags().BoolVar(&riskJSON, "json", false, "Print the assessment as JSON")
}
