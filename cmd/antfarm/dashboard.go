package main

import (
	"context"
	"io"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/mpataki/antfarm/internal/tui"
)

func newDashboardCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard",
		Short: "Interactive view of runs and the spawn queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Log lines would corrupt the alt screen.
			e, err := openEnv(io.Discard, false)
			if err != nil {
				return err
			}
			defer e.Close()

			q, err := e.queue()
			if err != nil {
				return err
			}

			cancel := func(ctx context.Context, title string) error {
				_, err := e.cancelRun(ctx, title, "cancelled from dashboard")
				return err
			}

			app := tui.NewApp(e.store, q, cancel, 0)
			p := tea.NewProgram(app, tea.WithAltScreen())

			_, err = p.Run()
			return err
		},
	}
}
