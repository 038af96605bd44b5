package main

import (
	"github.com/spf13/cobra"

	"github.com/zoro11031/winebasin/internal/cli"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that this host can run winebasin",
	Long: `Verify kernel overlay support, privilege elevation and the configured
runtime commands, and report systems left mounted by an interrupted session.`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	return withApp(func(app *cli.AppContext) error {
		return cli.RunPreflight(app.UI, app.PreflightChecks())
	})
}
