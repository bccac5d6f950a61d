package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/1ureka/voxlink/internal/config"
	"github.com/1ureka/voxlink/internal/secure"
	"github.com/1ureka/voxlink/internal/util"
)

var keygenSave bool

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a server key pair",
	Long: `Generate a long-term server key pair. The private key goes in the
server's private_key setting; clients may pin the public key with
server_key to refuse any other server.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		priv, pub, err := secure.GenerateKeyPair()
		if err != nil {
			return err
		}

		if keygenSave {
			path := cfgFile
			if path == "" {
				path = config.DefaultPath()
			}
			cfg.PrivateKey = priv.String()
			if err := config.Save(path, cfg); err != nil {
				return fmt.Errorf("save %s: %w", path, err)
			}
			util.LogSuccess("private key written to %s", path)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "private_key: %s\n", priv)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "server_key:  %s\n", pub)
		return nil
	},
}

func init() {
	keygenCmd.Flags().BoolVar(&keygenSave, "save", false, "store the private key in the config file instead of printing it")
	rootCmd.AddCommand(keygenCmd)
}
