package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/wingterm/termd/internal/config"
	"github.com/wingterm/termd/internal/daemon"
)

func serveCmd() *cobra.Command {
	var addrFlag string
	var sessionsDirFlag string
	var dbFlag string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the termd server",
		RunE: func(cmd *cobra.Command, args []string) error {
			userDir, err := config.GetUserConfigDir()
			if err != nil {
				return err
			}
			projectDir, err := config.GetProjectDir()
			if err != nil {
				return err
			}
			if err := config.EnsureConfigDirs(userDir, projectDir); err != nil {
				return err
			}

			mgr := config.NewManager()
			if err := mgr.Load(userDir, projectDir); err != nil {
				return err
			}
			cfg := mgr.Get()

			if addrFlag != "" {
				cfg.ListenAddr = addrFlag
			}
			if sessionsDirFlag != "" {
				cfg.SessionsDir = sessionsDirFlag
			}
			if dbFlag != "" {
				cfg.IndexDBPath = dbFlag
			}
			if v := os.Getenv("TERMD_JWT_PUBLIC_KEY"); v != "" {
				cfg.JWTPublicKey = v
			}

			return daemon.Run(cfg)
		},
	}

	cmd.Flags().StringVar(&addrFlag, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&sessionsDirFlag, "sessions-dir", "", "directory for persisted session metadata and history logs")
	cmd.Flags().StringVar(&dbFlag, "db", "", "path to the sqlite secondary index")

	return cmd
}
