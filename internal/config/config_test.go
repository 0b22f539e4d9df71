package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
service:
  name: agora
  version: 0.3.0
server:
  host: 127.0.0.1
  port: 8080
database:
  path: agora.db
crypto:
  algorithm: ed25519
  public_key_prefix: "ed25519:"
  public_key_bytes: 32
  signature_bytes: 64
platform:
  agent_id: a-platform-notary
  private_key_path: notary.key
judges:
  panel_size: 3
  judges:
    - name: judge-a
      url: http://localhost:9101/judge
    - name: judge-b
      url: http://localhost:9102/judge
    - name: judge-c
      url: http://localhost:9103/judge
disputes:
  rebuttal_deadline_seconds: 86400
request:
  max_body_size: 1048576
  downstream_timeout_seconds: 10
services:
  identity: http://localhost:8080
  ledger: http://localhost:8080
  board: http://localhost:8080
  court: http://localhost:8080
  reputation: http://localhost:8080
  events: http://localhost:8080
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)
	return cfg
}

func TestLoadValid(t *testing.T) {
	cfg := validConfig(t)
	assert.Equal(t, "agora", cfg.Service.Name)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Judges.PanelSize)
	require.Len(t, cfg.Judges.Judges, 3)
	assert.Equal(t, "judge-a", cfg.Judges.Judges[0].Name)
	assert.Equal(t, int64(1048576), cfg.Request.MaxBodySize)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, validYAML+"\nsurprise: true\n"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing service name", func(c *Config) { c.Service.Name = "" }, "service.name is required"},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port must be in 1..65535"},
		{"missing db path", func(c *Config) { c.Database.Path = "" }, "database.path is required"},
		{"wrong algorithm", func(c *Config) { c.Crypto.Algorithm = "rsa" }, "crypto.algorithm must be ed25519"},
		{"wrong key size", func(c *Config) { c.Crypto.PublicKeyBytes = 16 }, "crypto.public_key_bytes must be 32"},
		{"missing notary", func(c *Config) { c.Platform.AgentID = "" }, "platform.agent_id is required"},
		{"even panel", func(c *Config) { c.Judges.PanelSize = 2 }, "judges.panel_size must be odd"},
		{"zero panel", func(c *Config) { c.Judges.PanelSize = 0 }, "judges.panel_size must be >= 1"},
		{"panel roster mismatch", func(c *Config) { c.Judges.Judges = c.Judges.Judges[:2] }, "judges.judges must list exactly panel_size judges"},
		{"zero rebuttal window", func(c *Config) { c.Disputes.RebuttalDeadlineSeconds = 0 }, "disputes.rebuttal_deadline_seconds must be > 0"},
		{"zero body limit", func(c *Config) { c.Request.MaxBodySize = 0 }, "request.max_body_size must be > 0"},
		{"missing court url", func(c *Config) { c.Services.Court = "" }, "services.court is required"},
		{"judge without url", func(c *Config) { c.Judges.Judges[1].URL = "" }, "judges.judges[1] must have name and url"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig(t)
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.EqualError(t, err, tc.wantErr)
		})
	}
}

func TestPanelSizeOfOne(t *testing.T) {
	cfg := validConfig(t)
	cfg.Judges.PanelSize = 1
	cfg.Judges.Judges = cfg.Judges.Judges[:1]
	require.NoError(t, cfg.Validate())
}
