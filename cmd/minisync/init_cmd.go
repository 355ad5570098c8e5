package main

import (
	"fmt"
	"io"

	"github.com/openmined/minisync/internal/client/config"
	"github.com/openmined/minisync/internal/remote/s3remote"
	"github.com/openmined/minisync/internal/utils"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newInitCmd())
}

func newInitCmd() *cobra.Command {
	var force bool
	cfg := &config.Config{}
	s3 := &s3remote.Config{}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the config for a vault and its remote",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			out := cmd.OutOrStdout()

			if existing, err := config.LoadFromFile(path); err == nil && !force {
				fmt.Fprintln(out, "minisync already initialized, use --force to overwrite")
				printConfig(out, existing)
				return nil
			}

			if cfg.Remote.Kind == config.RemoteS3 {
				cfg.Remote.S3 = s3
			}
			cfg.Path = path
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := cfg.Save(); err != nil {
				return err
			}

			fmt.Fprintln(out, green.Render("minisync initialized"))
			printConfig(out, cfg)
			return nil
		},
	}

	f := cmd.Flags()
	f.SortFlags = false
	f.StringVarP(&cfg.VaultDir, "vault", "d", "", "vault directory")
	f.StringVar(&cfg.VaultID, "vault-id", "", "vault id on the remote (default: vault directory name)")
	f.StringVar(&cfg.Device, "device", "", "device id (default: machine id)")
	f.StringVar(&cfg.Strategy, "strategy", "", "default conflict strategy: local, remote, manual_merge")
	f.StringVarP(&cfg.Remote.Kind, "remote", "r", config.RemoteFolder, "remote kind: folder, s3, http")
	f.StringVar(&cfg.Remote.Folder, "folder", "", "remote folder")
	f.StringVar(&cfg.Remote.ServerURL, "server", "", "minisync server URL")
	f.StringVar(&cfg.Remote.AccessToken, "access-token", "", "server access token")
	f.StringVar(&cfg.Remote.RefreshToken, "refresh-token", "", "server refresh token")
	f.StringVar(&s3.Bucket, "s3-bucket", "", "S3 bucket")
	f.StringVar(&s3.Prefix, "s3-prefix", "", "S3 key prefix")
	f.StringVar(&s3.Region, "s3-region", "", "S3 region")
	f.StringVar(&s3.Endpoint, "s3-endpoint", "", "S3 endpoint for S3-compatible stores")
	f.StringVar(&s3.IndexPath, "s3-index", "", "sqlite file caching remote blob presence")
	f.BoolVar(&force, "force", false, "overwrite an existing config")
	cmd.MarkFlagRequired("vault")

	return cmd
}

func printConfig(w io.Writer, cfg *config.Config) {
	row := func(label, value string) {
		fmt.Fprintf(w, "%s%s\n", labelCell.Render(label), cyan.Render(value))
	}
	row("Config:", cfg.Path)
	row("Vault:", cfg.VaultDir)
	row("Vault ID:", cfg.VaultID)
	row("Remote:", cfg.Remote.Kind)
	switch cfg.Remote.Kind {
	case config.RemoteFolder:
		row("Folder:", cfg.Remote.Folder)
	case config.RemoteHTTP:
		row("Server:", cfg.Remote.ServerURL)
	case config.RemoteS3:
		if cfg.Remote.S3 != nil {
			row("Bucket:", cfg.Remote.S3.Bucket)
		}
	}
	if cfg.Strategy != "" {
		row("Strategy:", cfg.Strategy)
	}
	if !utils.DirExists(cfg.VaultDir) {
		fmt.Fprintln(w, gray.Render("vault directory will be created on first sync"))
	}
}
