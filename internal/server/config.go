package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/openmined/minisync/internal/server/auth"
	"github.com/ulule/limiter/v3"
)

const (
	DefaultAddr      = "127.0.0.1:8080"
	DefaultRateLimit = "50-S"
)

type Config struct {
	HTTP    HTTPConfig  `mapstructure:"http"`
	Auth    auth.Config `mapstructure:"auth"`
	DataDir string      `mapstructure:"data_dir"`
	LogDir  string      `mapstructure:"log_dir"`
}

type HTTPConfig struct {
	Addr      string `mapstructure:"addr"`
	CertFile  string `mapstructure:"cert_file"`
	KeyFile   string `mapstructure:"key_file"`
	RateLimit string `mapstructure:"rate_limit"`
	// ShutdownTimeout bounds graceful shutdown of in-flight requests.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func (c *HTTPConfig) TLS() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return errors.New("http `addr` is required")
	}
	if (c.HTTP.CertFile == "") != (c.HTTP.KeyFile == "") {
		return errors.New("http `cert_file` and `key_file` must be set together")
	}
	if c.HTTP.RateLimit != "" {
		if _, err := limiter.NewRateFromFormatted(c.HTTP.RateLimit); err != nil {
			return fmt.Errorf("http `rate_limit`: %w", err)
		}
	}
	if c.DataDir == "" {
		return errors.New("`data_dir` is required")
	}
	return c.Auth.Validate()
}
