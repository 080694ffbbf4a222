package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/Shugur-Network/courier/internal/application"
	"github.com/Shugur-Network/courier/internal/config"
	"github.com/Shugur-Network/courier/internal/logger"
	"go.uber.org/zap"

	"github.com/spf13/cobra"
)

var (
	cfgFile string         // Path to custom config file (optional)
	cfg     *config.Config // Global reference to loaded configuration
)

// rootCmd defines the main CLI command for courier
var rootCmd = &cobra.Command{
	Use:   "courier",
	Short: "Courier is an encrypted direct-message client for Nostr",
	Long:  `Courier connects to a set of Nostr relays and sends and receives end-to-end encrypted direct messages, with offline queueing and a local control API.`,
	Example: `
  courier start
  courier start --log-level debug --api-port 8484
  courier start --config /path/to/config.yaml`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for version command
		if cmd.Name() == "version" {
			return nil
		}

		var err error
		cfg, err = config.Load(cfgFile, nil)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %v", err)
		}

		// Override config with command line flags if specified
		flags := cmd.Flags()
		if flags.Changed("data-dir") {
			cfg.General.DataDir, _ = flags.GetString("data-dir")
		}
		if flags.Changed("relay") {
			cfg.Relays.URLs, _ = flags.GetStringSlice("relay")
		}
		if flags.Changed("api-port") {
			portStr, _ := flags.GetString("api-port")
			cfg.API.Port, _ = strconv.Atoi(portStr)
		}
		if flags.Changed("metrics-port") {
			portStr, _ := flags.GetString("metrics-port")
			cfg.Metrics.Port, _ = strconv.Atoi(portStr)
		}

		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		// Default behavior: show help when no subcommand is provided
		if err := cmd.Help(); err != nil {
			fmt.Fprintf(os.Stderr, "Error displaying help: %v\n", err)
		}
	},
}

// Execute runs the root command with the provided context
func Execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// init sets up flags and subcommands
func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to custom config file (optional)")

	rootCmd.PersistentFlags().String("data-dir", "", "Directory for keys, messages and settings")
	rootCmd.PersistentFlags().StringSlice("relay", nil, "Relay URL (repeatable, overrides the configured list)")
	rootCmd.PersistentFlags().String("log-level", "info", "Logging level (debug, info, warn, error, fatal)")
	rootCmd.PersistentFlags().String("api-port", "8484", "Port for the local control API")
	rootCmd.PersistentFlags().String("metrics-port", "9184", "Port for Prometheus metrics server")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number of courier",
		Long:  "Print the version number of courier along with build information",
		Run: func(cmd *cobra.Command, args []string) {
			if detailed, _ := cmd.Flags().GetBool("detailed"); detailed {
				fmt.Println(GetFullVersionInfo())
			} else {
				fmt.Println(GetVersionWithPrefix())
			}
		},
	}
	versionCmd.Flags().BoolP("detailed", "d", false, "Show detailed version information")
	rootCmd.AddCommand(versionCmd)

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the courier client",
		Long:  "Start the courier client with the specified configuration",
		Run: func(cmd *cobra.Command, args []string) {
			cfgFile, _ = cmd.Flags().GetString("config")
			if cfgFile != "" {
				absPath, err := filepath.Abs(cfgFile)
				if err != nil {
					logger.Error("Failed to resolve absolute path for config", zap.Error(err))
					os.Exit(1)
				}
				cfgFile = absPath
				logger.Info("Using config file", zap.String("config_file", cfgFile))
			}

			ctx := cmd.Context()

			node, err := application.New(ctx, cfg)
			if err != nil {
				logger.Error("Failed to initialize courier", zap.Error(err))
				os.Exit(1)
			}

			go func() {
				<-ctx.Done()
				node.Shutdown()
			}()

			if err := node.Start(); err != nil {
				logger.Error("Failed to start courier", zap.Error(err))
				os.Exit(1)
			}
		},
	}
	rootCmd.AddCommand(startCmd)
}
