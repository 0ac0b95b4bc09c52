package plugin

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultKeyPrefix namespaces every option key written by the runtime.
const DefaultKeyPrefix = "plugin:"

// DefaultSurface is the menu surface collected when none is configured.
const DefaultSurface = "admin"

// Config describes how the plugin runtime should behave.
type Config struct {
	PluginDir  string                  `yaml:"pluginDir"`
	EntryFiles []string                `yaml:"entryFiles"`
	KeyPrefix  string                  `yaml:"keyPrefix"`
	Surfaces   []string                `yaml:"surfaces"`
	Defaults   CapabilityPolicy        `yaml:"defaults"`
	Plugins    map[string]PluginConfig `yaml:"plugins"`
}

// PluginConfig is the operator configuration block for a single plugin.
type PluginConfig struct {
	// Grants are permissions approved up front. They are seeded once and
	// never overwrite later Grant/Revoke decisions.
	Grants []string          `yaml:"grants"`
	Config map[string]any    `yaml:"config"`
	Policy *CapabilityPolicy `yaml:"policy"`
}

// LoadConfig reads a YAML file into a Config.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, errors.New("config path cannot be empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read plugin config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal plugin config: %w", err)
	}
	if cfg.Plugins == nil {
		cfg.Plugins = map[string]PluginConfig{}
	}
	return cfg, nil
}

// Validate ensures the configuration is internally consistent.
func (c Config) Validate() error {
	if strings.TrimSpace(c.PluginDir) == "" {
		return errors.New("plugin directory cannot be empty")
	}
	for slug, pc := range c.Plugins {
		if slug == "" || Slugify(slug) != slug {
			return fmt.Errorf("plugin key %q is not a valid slug", slug)
		}
		for _, grant := range pc.Grants {
			if strings.TrimSpace(grant) == "" {
				return fmt.Errorf("plugin %s has an empty grant", slug)
			}
		}
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.KeyPrefix == "" {
		c.KeyPrefix = DefaultKeyPrefix
	}
	if len(c.EntryFiles) == 0 {
		c.EntryFiles = DefaultEntryFiles
	}
	if len(c.Surfaces) == 0 {
		c.Surfaces = []string{DefaultSurface}
	}
	if c.Plugins == nil {
		c.Plugins = map[string]PluginConfig{}
	}
	return c
}

func cloneConfig(cfg map[string]any) map[string]any {
	if cfg == nil {
		return map[string]any{}
	}
	cp := make(map[string]any, len(cfg))
	for k, v := range cfg {
		cp[k] = v
	}
	return cp
}
