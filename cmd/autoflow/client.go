package main

import (
	"context"
	"fmt"
	"io"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/uesteibar/autoflow/internal/autoflow/tui"
)

func statusCmd(configPath *string) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print queue counts, rate limit, and slot usage of a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), cmd.OutOrStdout(), tui.NewClient(serverAddr(addr, *configPath)))
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Server address (defaults to server.addr from the config)")
	return cmd
}

func runStatus(ctx context.Context, w io.Writer, c *tui.Client) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	st, err := c.Status(ctx)
	if err != nil {
		return fmt.Errorf("is `autoflow serve` running? %w", err)
	}
	_, err = fmt.Fprint(w, tui.RenderStatus(st))
	return err
}

func watchCmd(configPath *string) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live dashboard of tasks and ticket state changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := tui.NewClient(serverAddr(addr, *configPath))
			p := tea.NewProgram(tui.NewWatch(client), tea.WithAltScreen())

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			handler := tui.NewFeedHandler(p)
			go func() {
				// The dashboard keeps polling when the feed drops.
				_ = client.Subscribe(ctx, handler.Handle)
			}()

			_, err := p.Run()
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Server address (defaults to server.addr from the config)")
	return cmd
}
