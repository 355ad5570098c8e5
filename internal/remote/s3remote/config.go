package s3remote

import (
	"errors"
	"strings"
)

type Config struct {
	Bucket string `json:"bucket" mapstructure:"bucket"`
	// Prefix is prepended to every key, e.g. "minisync"
	Prefix       string `json:"prefix,omitempty" mapstructure:"prefix"`
	Region       string `json:"region,omitempty" mapstructure:"region"`
	Endpoint     string `json:"endpoint,omitempty" mapstructure:"endpoint"`
	AccessKey    string `json:"access_key,omitempty" mapstructure:"access_key"`
	SecretKey    string `json:"secret_key,omitempty" mapstructure:"secret_key"`
	SessionToken string `json:"session_token,omitempty" mapstructure:"session_token"`
	// IndexPath is the sqlite file caching which blobs exist remotely.
	// Empty keeps the index in memory.
	IndexPath string `json:"index_path,omitempty" mapstructure:"index_path"`
}

func (c *Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("s3: bucket required")
	}
	if (c.AccessKey == "") != (c.SecretKey == "") {
		return errors.New("s3: access key and secret key must be set together")
	}
	c.Prefix = strings.Trim(c.Prefix, "/")
	if c.Region == "" {
		c.Region = "us-east-1"
	}
	return nil
}
