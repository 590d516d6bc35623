package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"restaurant-agent/internal/config"
	"restaurant-agent/internal/logx"
)

var (
	envFile  string
	settings *config.Settings
)

var rootCmd = &cobra.Command{
	Use:   "restaurant-agent",
	Short: "Restaurant chat and ordering assistant",
	Long: `restaurant-agent answers questions about a restaurant and walks guests
through placing an order. Conversations are kept per session; confirmed
orders are stored and published as order.placed events.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		s, err := config.Load(envFile)
		if err != nil {
			return err
		}
		settings = s
		logx.Init(s.Log)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", "", "path to .env file (default: ./.env when present)")

	seedCmd.Flags().StringVar(&seedDir, "dir", "", "restaurant data directory (default: APP_DATA_DIR)")

	rootCmd.AddCommand(serveCmd, lambdaCmd, clearCmd, migrateCmd, seedCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
