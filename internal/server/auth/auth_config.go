package auth

import (
	"fmt"
	"time"
)

const (
	DefaultAccessTokenExpiry  = time.Hour
	DefaultRefreshTokenExpiry = 30 * 24 * time.Hour
	DefaultTokenIssuer        = "minisync"
)

type Config struct {
	Enabled            bool          `mapstructure:"enabled"`
	TokenIssuer        string        `mapstructure:"token_issuer"`
	RefreshTokenSecret string        `mapstructure:"refresh_token_secret"`
	RefreshTokenExpiry time.Duration `mapstructure:"refresh_token_expiry"`
	AccessTokenSecret  string        `mapstructure:"access_token_secret"`
	AccessTokenExpiry  time.Duration `mapstructure:"access_token_expiry"`
}

func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.TokenIssuer == "" {
		return fmt.Errorf("auth `token_issuer` is required when auth is enabled")
	}
	if c.RefreshTokenSecret == "" {
		return fmt.Errorf("auth `refresh_token_secret` is required when auth is enabled")
	}
	if c.AccessTokenSecret == "" {
		return fmt.Errorf("auth `access_token_secret` is required when auth is enabled")
	}
	if c.AccessTokenSecret == c.RefreshTokenSecret {
		return fmt.Errorf("auth `access_token_secret` and `refresh_token_secret` must differ")
	}
	if c.AccessTokenExpiry < 0 || c.RefreshTokenExpiry < 0 {
		return fmt.Errorf("auth token expiry must not be negative")
	}
	return nil
}
