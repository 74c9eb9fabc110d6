// cmd/streamtrader is the BTC streaming trader.
//
//	streamtrader run                 connect to Binance and trade on paper
//	streamtrader snapshot            print the latest ledger snapshot
//	streamtrader trades --limit 20   list closed trades from the SQLite journal
//	streamtrader events --follow     tail engine events from Redis
//
// Configuration comes from defaults, an optional YAML file (--config or
// STREAMTRADER_CONFIG) and the environment. A .env file is loaded first when
// present.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"btcstream/config"
)

var (
	cfgFile string
	envFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "streamtrader",
	Short:         "Streaming BTC paper trader on the Binance trade feed",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
		c, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = c
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment is read")

	rootCmd.AddCommand(runCmd, snapshotCmd, tradesCmd, eventsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "streamtrader:", err)
		os.Exit(1)
	}
}
