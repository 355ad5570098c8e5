package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/openmined/minisync/internal/server"
	"github.com/openmined/minisync/internal/server/auth"
	"github.com/openmined/minisync/internal/utils"
	"github.com/openmined/minisync/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

const envPrefix = "MINISYNC_SERVER"

var rootCmd = &cobra.Command{
	Use:           "minisync-server",
	Short:         "minisync HTTP remote",
	Version:       version.Detailed(),
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "f", "", "server config file (json or yaml)")
	rootCmd.PersistentFlags().String("env-file", ".env", "dotenv file loaded before reading the environment")
	rootCmd.PersistentFlags().String("data-dir", "", "directory holding vault histories, blobs and snapshots")
	rootCmd.AddCommand(newServeCmd(), newTokenCmd(), newVersionCmd())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.SetDefault(slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})))

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("minisync-server", "error", err)
		stop()
		os.Exit(1)
	}
}

// loadConfig layers defaults, the optional config file, the dotenv file,
// MINISYNC_SERVER_* variables and changed flags, in that order.
func loadConfig(cmd *cobra.Command, flagKeys map[string]string) (*server.Config, error) {
	if envFile, _ := cmd.Flags().GetString("env-file"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("env file %s: %w", envFile, err)
		}
	}

	v := viper.New()
	v.SetDefault("http.addr", server.DefaultAddr)
	v.SetDefault("http.rate_limit", server.DefaultRateLimit)
	v.SetDefault("data_dir", ".data")
	v.SetDefault("auth.token_issuer", auth.DefaultTokenIssuer)
	v.SetDefault("auth.access_token_expiry", auth.DefaultAccessTokenExpiry)
	v.SetDefault("auth.refresh_token_expiry", auth.DefaultRefreshTokenExpiry)

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config read '%s': %w", path, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range []string{
		"data_dir", "log_dir",
		"http.addr", "http.cert_file", "http.key_file", "http.rate_limit", "http.shutdown_timeout",
		"auth.enabled", "auth.token_issuer",
		"auth.access_token_secret", "auth.access_token_expiry",
		"auth.refresh_token_secret", "auth.refresh_token_expiry",
	} {
		v.BindEnv(key)
	}

	flagKeys["data-dir"] = "data_dir"
	for name, key := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			v.BindPFlag(key, f)
		}
	}

	var cfg server.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config decode: %w", err)
	}
	dataDir, err := utils.ResolvePath(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	cfg.DataDir = dataDir
	return &cfg, nil
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve vaults over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, map[string]string{
				"bind": "http.addr",
				"cert": "http.cert_file",
				"key":  "http.key_file",
			})
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			if cfg.LogDir != "" {
				closeLog := addFileLog(filepath.Join(cfg.LogDir, "minisync-server.log"))
				defer closeLog()
			}
			slog.Info("minisync-server", "version", version.Version, "revision", version.Revision, "build", version.BuildDate)

			srv, err := server.New(cfg)
			if err != nil {
				return err
			}
			defer slog.Info("Bye!")
			return srv.Start(cmd.Context())
		},
	}

	cmd.Flags().StringP("bind", "b", server.DefaultAddr, "address to bind the server")
	cmd.Flags().StringP("cert", "c", "", "TLS certificate file")
	cmd.Flags().StringP("key", "k", "", "TLS key file")
	return cmd
}

// addFileLog tees the default logger into a rotating file.
func addFileLog(path string) func() {
	rotator := &lumberjack.Logger{Filename: path, MaxSize: 50, MaxBackups: 5, MaxAge: 30}
	interceptor := utils.NewLogInterceptor(rotator)
	fileHandler := slog.NewTextHandler(interceptor, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	})
	slog.SetDefault(slog.New(utils.NewMultiLogHandler(slog.Default().Handler(), fileHandler)))
	return func() {
		interceptor.Close()
		rotator.Close()
	}
}

func newTokenCmd() *cobra.Command {
	var subject string
	var vaults []string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an access and refresh token pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, map[string]string{})
			if err != nil {
				return err
			}
			if !cfg.Auth.Enabled {
				return errors.New("auth is disabled, set MINISYNC_SERVER_AUTH_ENABLED=true")
			}
			if err := cfg.Auth.Validate(); err != nil {
				return err
			}
			cmd.SilenceUsage = true

			access, refresh, err := auth.NewAuthService(&cfg.Auth).IssueTokens(subject, vaults)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "access_token=%s\n", access)
			fmt.Fprintf(out, "refresh_token=%s\n", refresh)
			return nil
		},
	}

	cmd.Flags().StringVarP(&subject, "subject", "s", "", "token subject, e.g. a user or device name")
	cmd.Flags().StringSliceVar(&vaults, "vault", nil, "restrict the token to these vault ids (repeatable)")
	cmd.MarkFlagRequired("subject")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print minisync-server version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version.Detailed())
			return err
		},
	}
}
