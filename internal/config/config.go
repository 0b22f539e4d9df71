// Package config loads and validates the platform configuration. Every field
// is required: a missing value is a startup failure, not a default.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Crypto   CryptoConfig   `yaml:"crypto"`
	Platform PlatformConfig `yaml:"platform"`
	Judges   JudgesConfig   `yaml:"judges"`
	Disputes DisputesConfig `yaml:"disputes"`
	Request  RequestConfig  `yaml:"request"`
	Services ServiceURLs    `yaml:"services"`
}

type ServiceConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type CryptoConfig struct {
	Algorithm       string `yaml:"algorithm"`
	PublicKeyPrefix string `yaml:"public_key_prefix"`
	PublicKeyBytes  int    `yaml:"public_key_bytes"`
	SignatureBytes  int    `yaml:"signature_bytes"`
}

type PlatformConfig struct {
	AgentID        string `yaml:"agent_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
}

type JudgeConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

type JudgesConfig struct {
	PanelSize int           `yaml:"panel_size"`
	Judges    []JudgeConfig `yaml:"judges"`
}

type DisputesConfig struct {
	RebuttalDeadlineSeconds int `yaml:"rebuttal_deadline_seconds"`
}

type RequestConfig struct {
	MaxBodySize int64 `yaml:"max_body_size"`
	// Timeout applied to downstream component calls (judge invocations,
	// cross-component HTTP). Seconds.
	DownstreamTimeoutSeconds int `yaml:"downstream_timeout_seconds"`
}

// ServiceURLs are the per-component base URLs handed to external callers and
// the SDK. A single-binary deployment points them all at the same host.
type ServiceURLs struct {
	Identity   string `yaml:"identity"`
	Ledger     string `yaml:"ledger"`
	Board      string `yaml:"board"`
	Court      string `yaml:"court"`
	Reputation string `yaml:"reputation"`
	Events     string `yaml:"events"`
}

// Load reads and validates the config file. Failures come back as a single
// line suitable for log.Fatal.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	decoder.SetStrict(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// Validate checks that every required field is present and coherent.
func (c *Config) Validate() error {
	checks := []struct {
		ok   bool
		desc string
	}{
		{c.Service.Name != "", "service.name is required"},
		{c.Service.Version != "", "service.version is required"},
		{c.Server.Host != "", "server.host is required"},
		{c.Server.Port > 0 && c.Server.Port < 65536, "server.port must be in 1..65535"},
		{c.Database.Path != "", "database.path is required"},
		{c.Crypto.Algorithm == "ed25519", "crypto.algorithm must be ed25519"},
		{c.Crypto.PublicKeyPrefix != "", "crypto.public_key_prefix is required"},
		{c.Crypto.PublicKeyBytes == 32, "crypto.public_key_bytes must be 32"},
		{c.Crypto.SignatureBytes == 64, "crypto.signature_bytes must be 64"},
		{c.Platform.AgentID != "", "platform.agent_id is required"},
		{c.Platform.PrivateKeyPath != "", "platform.private_key_path is required"},
		{c.Judges.PanelSize >= 1, "judges.panel_size must be >= 1"},
		{c.Judges.PanelSize%2 == 1, "judges.panel_size must be odd"},
		{len(c.Judges.Judges) == c.Judges.PanelSize, "judges.judges must list exactly panel_size judges"},
		{c.Disputes.RebuttalDeadlineSeconds > 0, "disputes.rebuttal_deadline_seconds must be > 0"},
		{c.Request.MaxBodySize > 0, "request.max_body_size must be > 0"},
		{c.Request.DownstreamTimeoutSeconds > 0, "request.downstream_timeout_seconds must be > 0"},
		{c.Services.Identity != "", "services.identity is required"},
		{c.Services.Ledger != "", "services.ledger is required"},
		{c.Services.Board != "", "services.board is required"},
		{c.Services.Court != "", "services.court is required"},
		{c.Services.Reputation != "", "services.reputation is required"},
		{c.Services.Events != "", "services.events is required"},
	}
	for _, chk := range checks {
		if !chk.ok {
			return fmt.Errorf("%s", chk.desc)
		}
	}
	for i, j := range c.Judges.Judges {
		if j.Name == "" || j.URL == "" {
			return fmt.Errorf("judges.judges[%d] must have name and url", i)
		}
	}
	return nil
}
