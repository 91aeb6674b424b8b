package linkplug

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// PluginConfig is one entry of the ordered plugin list. Order in the TOML
// file is registration order, which is resolution precedence.
type PluginConfig struct {
	// Prefixes is the prefix pattern the plugin claims: "*" or a
	// comma-separated list like "EP,US,DEF".
	Prefixes string `toml:"prefixes"`

	// Type selects the plugin implementation: tracker-search, file, doc.
	Type string `toml:"type"`

	// Plugin-specific options.
	BaseURL     string `toml:"base_url,omitempty"`
	Root        string `toml:"root,omitempty"`
	Template    string `toml:"template,omitempty"`
	URLTemplate string `toml:"url_template,omitempty"`
}

// File is the on-disk shape of the plugin configuration.
type File struct {
	// CheckTimeout bounds each plugin validation call, e.g. "5s".
	CheckTimeout string `toml:"check_timeout,omitempty"`

	Plugins []PluginConfig `toml:"plugin"`
}

// LoadFile reads a TOML plugin configuration from disk.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin config %s: %w", path, err)
	}

	var f File
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse plugin config %s: %w", path, err)
	}
	return &f, nil
}

// BuildRegistry constructs a registry from a parsed configuration.
// httpClient is shared by every network-backed plugin; nil gets a default.
func BuildRegistry(cfg *File, env *Env, httpClient *http.Client) (*Registry, error) {
	reg := NewRegistry(env)

	if cfg.CheckTimeout != "" {
		d, err := time.ParseDuration(cfg.CheckTimeout)
		if err != nil {
			return nil, fmt.Errorf("invalid check_timeout %q: %w", cfg.CheckTimeout, err)
		}
		reg.SetCheckTimeout(d)
	}

	for i, pc := range cfg.Plugins {
		switch pc.Type {
		case "tracker-search":
			if pc.BaseURL == "" {
				return nil, fmt.Errorf("plugin %d (tracker-search): base_url is required", i)
			}
			reg.Register(NewTrackerSearchPlugin(pc.BaseURL, pc.Prefixes))
		case "file":
			if pc.Root == "" {
				return nil, fmt.Errorf("plugin %d (file): root is required", i)
			}
			reg.Register(NewFileLinkPlugin(pc.Root, pc.Template, pc.Prefixes))
		case "doc":
			if pc.URLTemplate == "" {
				return nil, fmt.Errorf("plugin %d (doc): url_template is required", i)
			}
			reg.Register(NewDocLinkPlugin(pc.URLTemplate, pc.Prefixes, httpClient))
		default:
			return nil, fmt.Errorf("plugin %d: unknown type %q", i, pc.Type)
		}
	}

	return reg, nil
}
