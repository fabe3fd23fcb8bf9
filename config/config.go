// Copyright 2026 Harald Albrecht.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the YAML configuration of the potato server.
package config

import (
	"fmt"
	"os"
	"regexp"

	"github.com/thediveo/potato/internal/logger"
	"github.com/thediveo/potato/namespace"
	"github.com/thediveo/potato/network"
	"gopkg.in/yaml.v3"
)

var ifnamePattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

type BridgeConfig struct {
	Name string `yaml:"name"`
	CIDR string `yaml:"cidr"`
}

type IsolationConfig struct {
	Enabled    bool              `yaml:"enabled"`
	RootFS     string            `yaml:"rootfs,omitempty"`
	Mounts     map[string]string `yaml:"mounts,omitempty"`
	VethPrefix string            `yaml:"veth_prefix"`
	Bridge     BridgeConfig      `yaml:"bridge"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output,omitempty"`
}

type Config struct {
	Listen      string          `yaml:"listen"`
	RuntimeRoot string          `yaml:"runtime_root"`
	Isolation   IsolationConfig `yaml:"isolation"`
	// Namespaces for non-isolated requests, run on their own OS thread, such
	// as "uts,ipc".
	ThreadNamespaces string    `yaml:"thread_namespaces,omitempty"`
	Log              LogConfig `yaml:"log"`
}

// Default returns the configuration used when there is no configuration
// file.
func Default() *Config {
	cfg := &Config{Isolation: IsolationConfig{Enabled: true}}
	_ = cfg.Validate()
	return cfg
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := Config{Isolation: IsolationConfig{Enabled: true}}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}

	return &cfg, nil
}

// Validate checks the configuration and fills in defaults.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.RuntimeRoot == "" {
		c.RuntimeRoot = "/var/run/user"
	}
	if c.Isolation.VethPrefix == "" {
		c.Isolation.VethPrefix = "potato"
	}
	if c.Isolation.Bridge.Name == "" {
		c.Isolation.Bridge.Name = "potato0"
	}
	if c.Isolation.Bridge.CIDR == "" {
		c.Isolation.Bridge.CIDR = "10.0.0.1/24"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}

	if err := validateIfname("bridge name", c.Isolation.Bridge.Name); err != nil {
		return err
	}
	if err := validateIfname("veth prefix", c.Isolation.VethPrefix); err != nil {
		return err
	}
	// Leave room for at least four digits of runtime directory numbers.
	if _, err := network.LinkPair(c.Isolation.VethPrefix, 9999); err != nil {
		return fmt.Errorf("veth prefix %q too long", c.Isolation.VethPrefix)
	}
	if _, err := network.ParseSubnet(c.Isolation.Bridge.CIDR); err != nil {
		return fmt.Errorf("bridge cidr %q invalid", c.Isolation.Bridge.CIDR)
	}
	for source, target := range c.Isolation.Mounts {
		if source == "" || target == "" {
			return fmt.Errorf("mount %q: source and target are required", source)
		}
	}
	if _, err := namespace.ParseFlagSet(c.ThreadNamespaces); err != nil {
		return fmt.Errorf("thread namespaces: %w", err)
	}
	if _, err := logger.New(logger.Config{Level: c.Log.Level, Format: "json", OutputPath: "stderr"}); err != nil {
		return err
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("log format must be 'json' or 'console', got %q", c.Log.Format)
	}

	return nil
}

func validateIfname(what, name string) error {
	if len(name) > network.MaxNameLen {
		return fmt.Errorf("%s %q exceeds %d characters", what, name, network.MaxNameLen)
	}
	if !ifnamePattern.MatchString(name) {
		return fmt.Errorf("%s %q must match [a-zA-Z0-9_.-]+", what, name)
	}
	return nil
}

// Logger returns the logger configuration.
func (c *Config) Logger() logger.Config {
	return logger.Config{Level: c.Log.Level, Format: c.Log.Format, OutputPath: c.Log.Output}
}
