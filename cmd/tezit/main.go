package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"tezit/pkg/config"
	"tezit/pkg/identity"
	"tezit/pkg/server"
	"tezit/pkg/store"
)

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tezit",
		Short: "Federated tez message server",
		Long: `A federation-enabled server that exchanges context-bearing messages
with independent peer servers, gated by an explicit trust registry.`,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		serveCmd(),
		identityCmd(),
		trustCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the tezit server",
		Long:  `Start the HTTP server: discovery document, federation inbox, trust handshake and admin API.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			st, err := store.Open(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer st.Close()

			id, err := identity.LoadOrCreate(cfg.DataDir, cfg.Host)
			if err != nil {
				return fmt.Errorf("failed to load identity: %w", err)
			}

			srv := server.New(cfg, st, id, logger)

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Start()
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errCh:
				return err
			case sig := <-sigCh:
				logger.Info("shutting down", zap.String("signal", sig.String()))
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(ctx)
			}
		},
	}
	return cmd
}

func identityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "identity",
		Short: "Print this server's federation identity",
		Long:  `Load (or create on first use) the server keypair and print the derived identity.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			id, err := identity.LoadOrCreate(cfg.DataDir, cfg.Host)
			if err != nil {
				return fmt.Errorf("failed to load identity: %w", err)
			}

			label := lipgloss.NewStyle().Foreground(lipgloss.Color("#6272A4")).Width(14)
			value := lipgloss.NewStyle().Bold(true)

			fmt.Println(label.Render("Host:") + " " + value.Render(id.Host))
			fmt.Println(label.Render("Server ID:") + " " + value.Render(id.ServerID))
			fmt.Println(label.Render("Public key:") + " " + value.Render(id.PublicKeyBase64()))
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Tezit Federation Server v0.1.0")
		},
	}
}

func setupLogger(verbose bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, _ := config.Build()
	return logger
}
