package main

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/voxlink/internal/config"
	"github.com/1ureka/voxlink/internal/util"
)

var (
	// Global flags
	cfgFile   string
	debugMode bool
	network   string

	// Loaded during PersistentPreRun
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "voxlink",
	Short: "Secure reliable datagram transport for the voxel engine",
	Long: `voxlink runs a server or a client of the voxel engine transport.
Peers exchange a session key, authenticate with a token and then send
commands and data over encrypted, optionally reliable datagrams carried
by UDP or a WebRTC DataChannel.

Without a subcommand, voxlink asks which side to run.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			path = config.DefaultPath()
		}
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if network != "" {
			cfg.Network = config.Network(network)
		}
		if err := util.SetLevel(cfg.LogLevel); err != nil {
			return err
		}
		if debugMode {
			cfg.LogLevel = "debug"
			util.EnableDebug()
		}

		pterm.Info.Println(fmt.Sprintf("Voxlink v%s", version))
		pterm.Println()
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInteractive(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.voxlink/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&network, "network", "", "datagram network: udp or webrtc")
}
