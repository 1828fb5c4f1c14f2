package cli

import (
	"github.com/spf13/cobra"
)

var runNoServer bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run every configured agent on its schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		if runNoServer {
			a.Config.Server.Enabled = false
		}
		return a.Run(cmd.Context())
	},
}

func init() {
	runCmd.Flags().BoolVar(&runNoServer, "no-server", false, "Do not start the HTTP API, websocket and metrics endpoints")
}
