package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/openmined/minisync/internal/client/sync"
	"github.com/openmined/minisync/internal/remote/httpremote"
	"github.com/openmined/minisync/internal/remote/s3remote"
	"github.com/openmined/minisync/internal/utils"
)

var (
	home, _            = os.UserHomeDir()
	DefaultConfigDir   = filepath.Join(home, ".minisync")
	DefaultConfigPath  = filepath.Join(DefaultConfigDir, "config.json")
	DefaultLogFilePath = filepath.Join(DefaultConfigDir, "logs", "minisync.log")
)

const (
	RemoteFolder = "folder"
	RemoteS3     = "s3"
	RemoteHTTP   = "http"
)

var (
	ErrNoVaultDir    = errors.New("config: vault dir required")
	ErrNoRemote      = errors.New("config: remote kind must be one of folder, s3, http")
	vaultIDSanitizer = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
)

type Config struct {
	VaultDir string `json:"vault_dir" mapstructure:"vault_dir"`
	// VaultID names the vault on the remote. Defaults to the vault dir name.
	VaultID string `json:"vault_id" mapstructure:"vault_id"`
	// Device overrides the machine derived device id.
	Device string `json:"device,omitempty" mapstructure:"device"`
	// Strategy resolves conflicts that have no recorded decision.
	Strategy string       `json:"strategy,omitempty" mapstructure:"strategy"`
	Remote   RemoteConfig `json:"remote" mapstructure:"remote"`
	Path     string       `json:"-" mapstructure:"-"`
}

type RemoteConfig struct {
	Kind string `json:"kind" mapstructure:"kind"`

	// folder
	Folder string `json:"folder,omitempty" mapstructure:"folder"`

	// http
	ServerURL    string `json:"server_url,omitempty" mapstructure:"server_url"`
	AccessToken  string `json:"access_token,omitempty" mapstructure:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty" mapstructure:"refresh_token"`

	S3 *s3remote.Config `json:"s3,omitempty" mapstructure:"s3"`
}

// Validate normalizes paths and fills defaults.
func (c *Config) Validate() error {
	if c.VaultDir == "" {
		return ErrNoVaultDir
	}
	dir, err := utils.ResolvePath(c.VaultDir)
	if err != nil {
		return fmt.Errorf("config: vault dir: %w", err)
	}
	c.VaultDir = dir

	if c.Path != "" {
		if c.Path, err = utils.ResolvePath(c.Path); err != nil {
			return fmt.Errorf("config: path: %w", err)
		}
	}

	if c.VaultID == "" {
		c.VaultID = DefaultVaultID(c.VaultDir)
	}

	if c.Strategy != "" {
		s, err := sync.ParseStrategy(c.Strategy)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		c.Strategy = string(s)
	}

	return c.Remote.validate(c.VaultID)
}

func (r *RemoteConfig) validate(vaultID string) error {
	r.Kind = strings.ToLower(strings.TrimSpace(r.Kind))
	switch r.Kind {
	case RemoteFolder:
		if r.Folder == "" {
			return errors.New("config: remote folder required")
		}
		folder, err := utils.ResolvePath(r.Folder)
		if err != nil {
			return fmt.Errorf("config: remote folder: %w", err)
		}
		r.Folder = folder
	case RemoteHTTP:
		hc := httpremote.Config{ServerURL: r.ServerURL, VaultID: vaultID}
		if err := hc.Validate(); err != nil {
			return fmt.Errorf("config: server url: %w", err)
		}
		r.ServerURL = strings.TrimSuffix(r.ServerURL, "/")
	case RemoteS3:
		if r.S3 == nil {
			return errors.New("config: s3 settings required")
		}
		if err := r.S3.Validate(); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	default:
		return ErrNoRemote
	}
	return nil
}

// Save writes the config as JSON to c.Path, or DefaultConfigPath.
func (c *Config) Save() error {
	path := c.Path
	if path == "" {
		path = DefaultConfigPath
	}
	if err := utils.EnsureParent(path); err != nil {
		return err
	}

	data, err := utils.JSONMarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	// tokens and keys live here
	return utils.WriteFileAtomic(path, data, 0o600)
}

func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := utils.JSONUnmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	cfg.Path = path
	return &cfg, nil
}

// DefaultVaultID derives a remote-safe id from the vault directory name.
func DefaultVaultID(vaultDir string) string {
	id := vaultIDSanitizer.ReplaceAllString(filepath.Base(vaultDir), "-")
	id = strings.Trim(id, "-.")
	if id == "" {
		return "vault"
	}
	return id
}
