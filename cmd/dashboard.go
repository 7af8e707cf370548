/*
Copyright © 2025 Mathias Djärv <mathias.djarv@allbinary.se>
*/
package cmd

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/allbin/probemon/internal/tui/colors"
	"github.com/allbin/probemon/internal/tui/models"
	"github.com/allbin/probemon/internal/tui/styles"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"pkt.systems/pslog"
)

// dashboardCmd represents the dashboard command
var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Capture all probes with a live terminal dashboard",
	Long: `Run the probe monitor with an interactive dashboard showing attached probes,
the live output of the highlighted probe and a prompt to flash it.

Keys:
  ↑/↓ or j/k   select probe
  pgup/pgdn    scroll output (G follows again)
  f            flash the selected probe: "<image.hex> [pack]"
  t            toggle timestamps
  ?            full help
  q            quit

Logs are discarded unless --log-file is given, since they would draw over
the dashboard.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logFile, _ := cmd.Flags().GetString("log-file")
		flavor, _ := cmd.Flags().GetString("theme")

		var w io.Writer = io.Discard
		if logFile != "" {
			f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return err
			}
			defer f.Close()
			w = f
		}
		logger := pslog.NewWithOptions(w, pslog.Options{Mode: pslog.ModeStructured, NoColor: true})

		svc, err := newService(cmd, logger)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		m, err := models.NewDashboard(ctx, svc, models.Options{
			Theme:    styles.New(colors.Flavor(flavor)),
			Location: svc.Config().Log.Location(),
		})
		if err != nil {
			return err
		}
		defer m.Close()

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return svc.Run(gctx)
		})
		g.Go(func() error {
			defer cancel()
			p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(gctx))
			if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
				return err
			}
			return nil
		})
		return g.Wait()
	},
}

func init() {
	rootCmd.AddCommand(dashboardCmd)

	dashboardCmd.Flags().String("log-file", "", "append structured logs to this file")
	dashboardCmd.Flags().String("theme", "mocha", "color theme: mocha, latte")
}
