package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/openmined/minisync/internal/client"
	"github.com/openmined/minisync/internal/client/config"
	"github.com/openmined/minisync/internal/utils"
	"github.com/openmined/minisync/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

const envPrefix = "MINISYNC"

var rootCmd = &cobra.Command{
	Use:           "minisync",
	Short:         "Local-first vault sync",
	Version:       version.Detailed(),
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			logLevel.Set(slog.LevelDebug)
		}
	},
}

var logLevel = new(slog.LevelVar)

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath, "minisync config file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging")
}

func main() {
	closeLog := setupLogging(os.Stderr, config.DefaultLogFilePath)
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", red.Render("ERROR"), err)
		stop()
		closeLog()
		os.Exit(1)
	}
}

// setupLogging logs to the terminal (stderr, keeping stdout for command
// output) and to a rotating file.
func setupLogging(term *os.File, logFile string) func() {
	logLevel.Set(slog.LevelInfo)

	termHandler := tint.NewHandler(term, &tint.Options{
		Level:      logLevel,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(term.Fd()),
	})

	rotator := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     28,
	}
	interceptor := utils.NewLogInterceptor(rotator)
	fileHandler := slog.NewTextHandler(interceptor, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		// the interceptor stamps the time
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	})

	slog.SetDefault(slog.New(utils.NewMultiLogHandler(termHandler, fileHandler)))

	return func() {
		interceptor.Close()
		rotator.Close()
	}
}

// loadConfig reads the config file, then lets MINISYNC_* env vars and any
// changed flags in flagKeys (flag name to config key) override it.
func loadConfig(cmd *cobra.Command, flagKeys map[string]string) (*config.Config, error) {
	v := viper.New()
	path, _ := cmd.Flags().GetString("config")
	v.SetConfigFile(path)
	v.SetConfigType("json")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.Is(err, os.ErrNotExist) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config read '%s': %w", path, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range []string{
		"vault_dir", "vault_id", "device", "strategy",
		"remote.kind", "remote.folder", "remote.server_url", "remote.access_token", "remote.refresh_token",
	} {
		v.BindEnv(key)
	}

	for name, key := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			v.BindPFlag(key, f)
		}
	}

	var cfg config.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config decode: %w", err)
	}
	cfg.Path = path
	return &cfg, nil
}

// openClient loads the config and opens the vault and its remote.
func openClient(cmd *cobra.Command, flagKeys map[string]string, opts client.Options) (*client.Client, error) {
	cfg, err := loadConfig(cmd, flagKeys)
	if err != nil {
		return nil, err
	}
	if cfg.VaultDir == "" {
		return nil, fmt.Errorf("no vault configured in %s, run `minisync init` first", cfg.Path)
	}

	c, err := client.New(cmd.Context(), cfg, opts)
	if err != nil {
		return nil, err
	}
	slog.Debug("config", "path", cfg.Path, "vault", cfg.VaultDir, "remote", cfg.Remote.Kind)
	return c, nil
}

// readInput reads a file, or stdin when path is "-".
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(filepath.Clean(path))
}
