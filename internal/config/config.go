// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package config loads and validates the iconworksd service
// configuration from a YAML file.
package config

import (
	"os"
	"time"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = ":8080"
	defaultDBPath          = "iconworks.db"
	defaultSignedURLTTL    = 15 * time.Minute
	defaultRequestTimeout  = 60 * time.Second
	defaultImageSize       = "1024x1024"
	defaultRetryDelay      = 10 * time.Second
	defaultPollInterval    = 5 * time.Second
	defaultSweepInterval   = 15 * time.Minute
	defaultShutdownTimeout = 30 * time.Second
)

// S3 holds the object store connection settings. Endpoint is optional;
// when set the client uses path-style addressing, which is what
// non-AWS S3-compatible stores expect.
type S3 struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access-key"`
	SecretKey string `yaml:"secret-key"`

	// SignedURLTTL bounds how long a presigned retrieval URL stays
	// valid. Consumers must treat returned URLs as expiring.
	SignedURLTTL time.Duration `yaml:"signed-url-ttl"`
}

// ImageGen holds the text-to-image API settings.
type ImageGen struct {
	URL            string        `yaml:"url"`
	APIKey         string        `yaml:"api-key"`
	Size           string        `yaml:"size"`
	RequestTimeout time.Duration `yaml:"request-timeout"`

	// RetryDelay is the pause between attempts when a call fails with
	// a connection timeout. Only timeout-class failures are retried.
	RetryDelay time.Duration `yaml:"retry-delay"`
}

// Config is the full iconworksd configuration.
type Config struct {
	HTTPAddr string   `yaml:"http-addr"`
	DBPath   string   `yaml:"db-path"`
	S3       S3       `yaml:"s3"`
	ImageGen ImageGen `yaml:"imagegen"`

	// ProgressPollInterval is how often an open progress subscription
	// re-reads the persisted job while it is still pending.
	ProgressPollInterval time.Duration `yaml:"progress-poll-interval"`

	// SweepInterval is how often the retry sweep looks for failed,
	// non-bypassed jobs to re-drive.
	SweepInterval time.Duration `yaml:"sweep-interval"`

	ShutdownTimeout time.Duration `yaml:"shutdown-timeout"`
}

// Read loads the configuration from path, applies defaults and
// validates the result.
func Read(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Annotatef(err, "reading config %q", path)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Annotatef(err, "parsing config %q", path)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Trace(err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.HTTPAddr == "" {
		c.HTTPAddr = defaultHTTPAddr
	}
	if c.DBPath == "" {
		c.DBPath = defaultDBPath
	}
	if c.S3.SignedURLTTL == 0 {
		c.S3.SignedURLTTL = defaultSignedURLTTL
	}
	if c.ImageGen.Size == "" {
		c.ImageGen.Size = defaultImageSize
	}
	if c.ImageGen.RequestTimeout == 0 {
		c.ImageGen.RequestTimeout = defaultRequestTimeout
	}
	if c.ImageGen.RetryDelay == 0 {
		c.ImageGen.RetryDelay = defaultRetryDelay
	}
	if c.ProgressPollInterval == 0 {
		c.ProgressPollInterval = defaultPollInterval
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
}

// Validate ensures that the config values are valid.
func (c *Config) Validate() error {
	if c.S3.Bucket == "" {
		return errors.NotValidf("missing s3 bucket")
	}
	if c.S3.Region == "" && c.S3.Endpoint == "" {
		return errors.NotValidf("missing s3 region")
	}
	if c.ImageGen.URL == "" {
		return errors.NotValidf("missing imagegen url")
	}
	if c.ProgressPollInterval < 0 {
		return errors.NotValidf("negative progress-poll-interval")
	}
	if c.SweepInterval < 0 {
		return errors.NotValidf("negative sweep-interval")
	}
	return nil
}
