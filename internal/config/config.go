// Package config loads pipeline configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/fulcrumlabs/stagegate/internal/domain"
	"github.com/fulcrumlabs/stagegate/internal/stage"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Storage   StorageConfig   `koanf:"storage"`
	Transform TransformConfig `koanf:"transform"`
	Pipeline  PipelineConfig  `koanf:"pipeline"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // sqlite, memory
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type TransformConfig struct {
	MaxAttempts int    `koanf:"max_attempts"`
	Backoff     string `koanf:"backoff"` // Duration string like "500ms"
}

// PipelineConfig overrides the built-in stage table. Empty means the
// default six-stage pipeline.
type PipelineConfig struct {
	Stages []StageConfig `koanf:"stages"`
}

type StageConfig struct {
	Order             int      `koanf:"order"`
	Type              string   `koanf:"type"`
	Title             string   `koanf:"title"`
	RequiredApprovals int      `koanf:"required_approvals"`
	Approvers         []string `koanf:"approvers"`
	Successors        []string `koanf:"successors"`
	Transform         string   `koanf:"transform"`
}

// DefaultConfigPath is tried when no explicit path is given.
const DefaultConfigPath = "config.yaml"

func Load() (*Config, error) {
	return LoadPath(DefaultConfigPath)
}

func LoadPath(path string) (*Config, error) {
	k := koanf.New(".")

	// Try the config file first
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	// Load environment variables (can override file config)
	if err := k.Load(env.Provider("STAGEGATE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "STAGEGATE_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	// Default values
	if !k.Exists("server.port") {
		k.Set("server.port", 8080)
	}
	if !k.Exists("storage.type") {
		k.Set("storage.type", "sqlite")
	}
	if !k.Exists("storage.sqlite.path") {
		k.Set("storage.sqlite.path", "stagegate.db")
	}
	if !k.Exists("transform.max_attempts") {
		k.Set("transform.max_attempts", 3)
	}
	if !k.Exists("transform.backoff") {
		k.Set("transform.backoff", "500ms")
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// BackoffDuration parses the configured retry backoff.
func (c TransformConfig) BackoffDuration() (time.Duration, error) {
	d, err := time.ParseDuration(c.Backoff)
	if err != nil {
		return 0, fmt.Errorf("invalid transform.backoff %q: %w", c.Backoff, err)
	}
	return d, nil
}

// Resolve maps the configured stage table onto stage definitions,
// falling back to the built-in pipeline when none is configured.
// Registry construction performs the structural validation.
func (c PipelineConfig) Resolve() []stage.Stage {
	if len(c.Stages) == 0 {
		return stage.Defaults()
	}

	out := make([]stage.Stage, 0, len(c.Stages))
	for _, sc := range c.Stages {
		s := stage.Stage{
			Order:             sc.Order,
			Type:              domain.ArtifactType(sc.Type),
			Title:             sc.Title,
			RequiredApprovals: sc.RequiredApprovals,
			Approvers:         sc.Approvers,
			Transform:         sc.Transform,
		}
		for _, succ := range sc.Successors {
			s.Successors = append(s.Successors, domain.ArtifactType(succ))
		}
		out = append(out, s)
	}
	return out
}
