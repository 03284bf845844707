package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"teams-messenger/internal/config"
	"teams-messenger/internal/db"
	"teams-messenger/internal/graph"
	"teams-messenger/internal/logging"
)

var verbose bool

// rootCmd is the base command.
var rootCmd = &cobra.Command{
	Use:   "admin",
	Short: "Administration tool for the Teams messenger",
	Long: `Manage the app tag to chat mapping and run one-off Microsoft Graph
operations with the configured service account.

Configuration is read from the environment or a .env file.`,
	SilenceUsage: true,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		level := "warn"
		if verbose {
			level = "debug"
		}
		logging.Setup(level)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the database tables",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := openStore()
		if err != nil {
			return err
		}
		defer client.Close()

		if err := client.Migrate(); err != nil {
			return fmt.Errorf("database migration failed: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Database initialized.")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose debug output")
	rootCmd.AddCommand(initCmd, targetsCmd, graphCmd)
}

func main() {
	if err := godotenv.Load(); err != nil {
		logrus.Debug(".env file not found, reading configuration from the environment")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func openStore() (*db.Client, error) {
	dbCfg, err := db.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load database configuration: %w", err)
	}
	client, err := db.NewClient(dbCfg.Driver, dbCfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return client, nil
}

func newGraphClient() (*graph.Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return graph.NewClient(cfg, graph.WithLogger(logrus.StandardLogger())), nil
}
