package pluginhost

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Tier identifies where a plugin was discovered. Higher tiers win name
// collisions: native > external > local.
type Tier string

const (
	TierNative   Tier = "native"
	TierExternal Tier = "external"
	TierLocal    Tier = "local"
)

// Valid reports whether the tier is one of the known values.
func (t Tier) Valid() bool {
	switch t {
	case TierNative, TierExternal, TierLocal:
		return true
	}
	return false
}

// precedence orders tiers for collision resolution.
func (t Tier) precedence() int {
	switch t {
	case TierNative:
		return 3
	case TierExternal:
		return 2
	case TierLocal:
		return 1
	}
	return 0
}

// Root is a directory scanned for plugin bundles. Native plugins are
// compiled in and never come from a root.
type Root struct {
	Path string `yaml:"path"`
	Tier Tier   `yaml:"tier"`
}

// QueueConfig bounds the execution queue.
type QueueConfig struct {
	Limit        int `yaml:"limit"`
	MaxQueueSize int `yaml:"maxQueueSize"`
}

// HostConfig is the plugins.yaml document controlling the plugin host.
type HostConfig struct {
	Roots              []Root                    `yaml:"roots"`
	Disabled           []string                  `yaml:"disabled"`
	Settings           map[string]map[string]any `yaml:"settings"`
	CapabilityDenylist []string                  `yaml:"capabilityDenylist"`
	Queue              QueueConfig               `yaml:"queue"`
	StrictCycles       bool                      `yaml:"strictCycles"`
	StrictValidation   *bool                     `yaml:"strictValidation"`
	AdminRoles         []string                  `yaml:"adminRoles"`
}

// LoadHostConfig reads and validates a plugins.yaml file.
func LoadHostConfig(path string) (HostConfig, error) {
	var cfg HostConfig
	if path == "" {
		return cfg, errors.New("plugin host config path cannot be empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read plugin host config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal plugin host config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate ensures the host configuration is internally consistent.
func (c HostConfig) Validate() error {
	for i, root := range c.Roots {
		if strings.TrimSpace(root.Path) == "" {
			return fmt.Errorf("roots[%d]: path cannot be empty", i)
		}
		switch root.Tier {
		case TierExternal, TierLocal:
		case TierNative:
			return fmt.Errorf("roots[%d]: native plugins are compiled in and take no root directory", i)
		default:
			return fmt.Errorf("roots[%d]: unknown tier %q", i, root.Tier)
		}
	}
	if c.Queue.Limit < 0 || c.Queue.MaxQueueSize < 0 {
		return errors.New("queue limits cannot be negative")
	}
	return nil
}

// StrictValidationEnabled applies the default (true) when the flag is not
// set in the file.
func (c HostConfig) StrictValidationEnabled() bool {
	if c.StrictValidation == nil {
		return true
	}
	return *c.StrictValidation
}

// DisabledSet returns the disabled plugin names as a lookup set.
func (c HostConfig) DisabledSet() map[string]struct{} {
	set := make(map[string]struct{}, len(c.Disabled))
	for _, name := range c.Disabled {
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "" {
			set[name] = struct{}{}
		}
	}
	return set
}
