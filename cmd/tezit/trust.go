package main

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"tezit/pkg/config"
	"tezit/pkg/store"
	"tezit/pkg/types"
)

var (
	trustedColor = lipgloss.Color("#50FA7B")
	pendingColor = lipgloss.Color("#FFB86C")
	blockedColor = lipgloss.Color("#FF5555")
	borderColor  = lipgloss.Color("#44475A")
	headerColor  = lipgloss.Color("#8BE9FD")
)

func trustCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trust",
		Short: "Manage the federation trust registry",
	}
	cmd.AddCommand(
		trustListCmd(),
		trustSetCmd("promote", types.TrustTrusted, "Promote a server to trusted"),
		trustSetCmd("block", types.TrustBlocked, "Block a server"),
		trustRemoveCmd(),
	)
	return cmd
}

func openTrustStore() (*store.Store, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return st, nil
}

func trustListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all known federation servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openTrustStore()
			if err != nil {
				return err
			}
			defer st.Close()

			servers, err := st.ListServers(context.Background())
			if err != nil {
				return fmt.Errorf("failed to list servers: %w", err)
			}
			if len(servers) == 0 {
				fmt.Println("No federation servers registered.")
				return nil
			}

			headerStyle := lipgloss.NewStyle().Bold(true).Foreground(headerColor)
			rowStyle := lipgloss.NewStyle().Padding(0, 1)

			t := table.New().
				Border(lipgloss.NormalBorder()).
				BorderStyle(lipgloss.NewStyle().Foreground(borderColor)).
				StyleFunc(func(row, col int) lipgloss.Style {
					if row == 0 {
						return headerStyle
					}
					return rowStyle
				})

			t.Headers("HOST", "TRUST", "SERVER ID", "LAST SEEN")
			for _, fs := range servers {
				t.Row(
					fs.Host,
					renderTrustLevel(fs.TrustLevel),
					shortID(fs.ServerID),
					fs.LastSeenAt.Format(time.RFC3339),
				)
			}
			fmt.Println(t.Render())
			return nil
		},
	}
}

func trustSetCmd(use string, level types.TrustLevel, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <host>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openTrustStore()
			if err != nil {
				return err
			}
			defer st.Close()

			host := args[0]
			if err := st.UpdateTrustLevel(context.Background(), host, level); err != nil {
				return fmt.Errorf("failed to update %s: %w", host, err)
			}
			fmt.Printf("%s is now %s\n", host, renderTrustLevel(level))
			return nil
		},
	}
}

func trustRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <host>",
		Short: "Delete a server from the trust registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openTrustStore()
			if err != nil {
				return err
			}
			defer st.Close()

			host := args[0]
			if err := st.DeleteServer(context.Background(), host); err != nil {
				return fmt.Errorf("failed to remove %s: %w", host, err)
			}
			fmt.Printf("%s removed from registry\n", host)
			return nil
		},
	}
}

func renderTrustLevel(level types.TrustLevel) string {
	switch level {
	case types.TrustTrusted:
		return lipgloss.NewStyle().Foreground(trustedColor).Render("trusted")
	case types.TrustBlocked:
		return lipgloss.NewStyle().Foreground(blockedColor).Render("blocked")
	default:
		return lipgloss.NewStyle().Foreground(pendingColor).Render("pending")
	}
}

func shortID(id string) string {
	if len(id) > 16 {
		return id[:16] + "…"
	}
	return id
}
