package main

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/retaind/internal/monitor"
)

var topCmd = &cobra.Command{
	Use:   "top",
	Short: "Live dashboard of ingest, query and retention activity",
	Long: `Polls the server's /health and /metrics endpoints and renders a live
dashboard. With --user, the user's own document and shard counts are shown.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, _ := cmd.Flags().GetDuration("interval")
		days, _ := cmd.Flags().GetInt("retention-days")
		if interval <= 0 {
			return fmt.Errorf("--interval must be positive")
		}

		model := monitor.NewModel(monitor.NewClient(serverURL, userID), serverURL, days, interval)
		if _, err := tea.NewProgram(model, tea.WithAltScreen()).Run(); err != nil {
			return fmt.Errorf("dashboard failed: %w", err)
		}
		return nil
	},
}
