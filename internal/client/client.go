package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openmined/minisync/internal/client/config"
	"github.com/openmined/minisync/internal/client/sync"
	"github.com/openmined/minisync/internal/remote"
	"github.com/openmined/minisync/internal/remote/fsremote"
	"github.com/openmined/minisync/internal/remote/httpremote"
	"github.com/openmined/minisync/internal/remote/s3remote"
	"github.com/openmined/minisync/internal/vault"
)

// Client binds a config to a vault, its remote and the sync service.
type Client struct {
	config   *config.Config
	vault    *vault.Vault
	provider remote.Provider
	service  *sync.Service
	closers  []func() error
}

// Options tune the sync service for one invocation.
type Options struct {
	// Scan records edits made while no watcher was running before each pass.
	Scan bool
	// NoSnapshot skips publishing a manifest after a push.
	NoSnapshot bool
}

func New(ctx context.Context, cfg *config.Config, opts Options) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	v, err := vault.New(cfg.VaultDir)
	if err != nil {
		return nil, err
	}
	if err := v.Setup(); err != nil {
		return nil, fmt.Errorf("vault setup: %w", err)
	}

	c := &Client{config: cfg, vault: v}
	if c.provider, err = c.openRemote(ctx); err != nil {
		return nil, err
	}

	c.service, err = sync.NewService(v, c.provider, sync.Options{
		VaultID:          cfg.VaultID,
		Device:           cfg.Device,
		ScanBeforeSync:   opts.Scan,
		DisableSnapshots: opts.NoSnapshot,
	})
	if err != nil {
		c.Close()
		return nil, err
	}

	slog.Debug("client ready", "vault", v.Root, "remote", c.provider.Namespace())
	return c, nil
}

func (c *Client) openRemote(ctx context.Context) (remote.Provider, error) {
	rc := c.config.Remote
	switch rc.Kind {
	case config.RemoteFolder:
		return fsremote.New(rc.Folder, c.config.VaultID)

	case config.RemoteS3:
		p, err := s3remote.New(ctx, *rc.S3, c.config.VaultID)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, p.Close)
		return p, nil

	case config.RemoteHTTP:
		tokens := httpremote.NewRefreshingTokenSource(rc.ServerURL, rc.AccessToken, rc.RefreshToken)
		tokens.OnRefresh = c.saveTokens
		return httpremote.New(httpremote.Config{
			ServerURL: rc.ServerURL,
			VaultID:   c.config.VaultID,
			Tokens:    tokens,
		})
	}
	return nil, config.ErrNoRemote
}

// saveTokens persists a refreshed token pair so the next run starts with it.
func (c *Client) saveTokens(access, refresh string) {
	c.config.Remote.AccessToken = access
	c.config.Remote.RefreshToken = refresh
	if err := c.config.Save(); err != nil {
		slog.Warn("save refreshed tokens", "error", err)
	}
}

func (c *Client) Config() *config.Config {
	return c.config
}

func (c *Client) Vault() *vault.Vault {
	return c.vault
}

func (c *Client) Service() *sync.Service {
	return c.service
}

// Notifier returns the remote's change feed, or nil when the remote has none.
func (c *Client) Notifier() sync.Notifier {
	if n, ok := c.provider.(sync.Notifier); ok {
		return n
	}
	return nil
}

// Strategy is the configured default conflict strategy. Empty leaves
// conflicts blocked until a decision is recorded.
func (c *Client) Strategy() sync.Strategy {
	return sync.Strategy(c.config.Strategy)
}

// Watch runs the sync daemon until ctx is done.
func (c *Client) Watch(ctx context.Context, interval time.Duration, onSummary func(*sync.Summary)) error {
	d := sync.NewDaemon(c.service, c.Notifier(), c.Strategy(), interval)
	d.OnSummary = onSummary
	if err := d.Start(ctx); err != nil {
		return err
	}
	d.Wait()
	return nil
}

func (c *Client) Close() error {
	var errs []error
	for _, fn := range c.closers {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
