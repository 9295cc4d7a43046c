// Package cli implements the sdlcflow command line tool.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:           "sdlcflow",
	Short:         "Stage-gated SDLC workflow runner",
	SilenceUsage:  true,
	SilenceErrors: false,
	Long: `sdlcflow drives a software deliverable through the stages of the
development lifecycle: requirements, user stories, design, code, security
review, and tests. Each stage produces an artifact that must be approved
before the next stage may start; rejected artifacts are regenerated with
the reviewer's feedback until they pass.

Sessions are checkpointed to the configured store and can be resumed at
any point with "sdlcflow resume".`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Missing .env is fine; explicit config errors are not.
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("loading .env: %w", err)
		}

		viper.SetEnvPrefix("SDLCFLOW")
		viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
		viper.AutomaticEnv()

		return viper.BindPFlags(cmd.Flags())
	},
}

func init() {
	pf := rootCmd.PersistentFlags()

	pf.String("store", "memory", "store backend: memory, sqlite, mysql or redis")
	pf.String("sqlite-path", "sdlcflow.sqlite", "path to the sqlite database file")
	pf.String("redis-addr", "localhost:6379", "redis server address")
	pf.String("redis-password", "", "redis server password")
	pf.String("mysql-host", "localhost", "mysql server host")
	pf.Int("mysql-port", 3306, "mysql server port")
	pf.String("mysql-user", "root", "mysql user")
	pf.String("mysql-password", "", "mysql password")
	pf.String("mysql-database", "sdlcflow", "mysql database name")
	pf.Bool("trace", false, "print spans to stdout")
	pf.Bool("verbose", false, "enable debug logging")
}

func Execute() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
