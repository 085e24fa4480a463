// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package config_test

import (
	"os"
	"path/filepath"
	"time"

	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/reflectivelabs/iconworks/internal/config"
)

type configSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&configSuite{})

func (s *configSuite) writeConfig(c *gc.C, content string) string {
	path := filepath.Join(c.MkDir(), "iconworksd.yaml")
	err := os.WriteFile(path, []byte(content), 0o644)
	c.Assert(err, jc.ErrorIsNil)
	return path
}

const minimalConfig = `
s3:
  bucket: icons
  region: eu-west-1
imagegen:
  url: https://imagegen.example.com/v1/generate
`

func (s *configSuite) TestReadMinimalAppliesDefaults(c *gc.C) {
	cfg, err := config.Read(s.writeConfig(c, minimalConfig))
	c.Assert(err, jc.ErrorIsNil)

	c.Check(cfg.HTTPAddr, gc.Equals, ":8080")
	c.Check(cfg.DBPath, gc.Equals, "iconworks.db")
	c.Check(cfg.S3.SignedURLTTL, gc.Equals, 15*time.Minute)
	c.Check(cfg.ImageGen.Size, gc.Equals, "1024x1024")
	c.Check(cfg.ImageGen.RequestTimeout, gc.Equals, 60*time.Second)
	c.Check(cfg.ImageGen.RetryDelay, gc.Equals, 10*time.Second)
	c.Check(cfg.ProgressPollInterval, gc.Equals, 5*time.Second)
	c.Check(cfg.SweepInterval, gc.Equals, 15*time.Minute)
}

func (s *configSuite) TestReadOverrides(c *gc.C) {
	cfg, err := config.Read(s.writeConfig(c, `
http-addr: 127.0.0.1:9999
db-path: /tmp/icons.db
progress-poll-interval: 1s
sweep-interval: 1m
s3:
  bucket: icons
  endpoint: http://localhost:9000
  access-key: minio
  secret-key: sekrit
  signed-url-ttl: 2m
imagegen:
  url: https://imagegen.example.com/v1/generate
  api-key: abc
  size: 512x512
  request-timeout: 5s
  retry-delay: 100ms
`))
	c.Assert(err, jc.ErrorIsNil)

	c.Check(cfg.HTTPAddr, gc.Equals, "127.0.0.1:9999")
	c.Check(cfg.S3.Endpoint, gc.Equals, "http://localhost:9000")
	c.Check(cfg.S3.SignedURLTTL, gc.Equals, 2*time.Minute)
	c.Check(cfg.ImageGen.Size, gc.Equals, "512x512")
	c.Check(cfg.ImageGen.RetryDelay, gc.Equals, 100*time.Millisecond)
	c.Check(cfg.ProgressPollInterval, gc.Equals, time.Second)
	c.Check(cfg.SweepInterval, gc.Equals, time.Minute)
}

func (s *configSuite) TestMissingBucket(c *gc.C) {
	_, err := config.Read(s.writeConfig(c, `
imagegen:
  url: https://imagegen.example.com/v1/generate
`))
	c.Assert(err, gc.ErrorMatches, "missing s3 bucket not valid")
}

func (s *configSuite) TestMissingImageGenURL(c *gc.C) {
	_, err := config.Read(s.writeConfig(c, `
s3:
  bucket: icons
  region: eu-west-1
`))
	c.Assert(err, gc.ErrorMatches, "missing imagegen url not valid")
}

func (s *configSuite) TestEndpointWithoutRegionIsValid(c *gc.C) {
	_, err := config.Read(s.writeConfig(c, `
s3:
  bucket: icons
  endpoint: http://localhost:9000
imagegen:
  url: https://imagegen.example.com/v1/generate
`))
	c.Assert(err, jc.ErrorIsNil)
}

func (s *configSuite) TestMissingFile(c *gc.C) {
	_, err := config.Read(filepath.Join(c.MkDir(), "nope.yaml"))
	c.Assert(err, gc.NotNil)
}
