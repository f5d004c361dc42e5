package utils

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// RelayConfig is one relay entry of relays.yaml
type RelayConfig struct {
	URL   string `yaml:"url"`
	Read  bool   `yaml:"read"`
	Write bool   `yaml:"write"`
}

type relayEntry struct {
	URL   string `yaml:"url"`
	Read  *bool  `yaml:"read"`
	Write *bool  `yaml:"write"`
}

type relaysFile struct {
	Relays []relayEntry `yaml:"relays"`
}

// LoadRelays reads the relay list from relays.yaml, falling back to the comma separated `relays` key
func LoadRelays(cm *ConfigManager) ([]RelayConfig, error) {
	path := cm.GetConfigWithDefault("relays_file", "relays.yaml")
	if !filepath.IsAbs(path) {
		path = GetAppPaths("").GetConfigPath(path)
	}

	relays, err := ReadRelaysFile(path)
	if err == nil {
		return relays, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	var fromConfig []RelayConfig
	seen := make(map[string]bool)
	for _, raw := range cm.GetConfigSlice("relays", nil) {
		normalized, err := NormalizeRelayURL(raw)
		if err != nil {
			return nil, err
		}
		if seen[normalized] {
			continue
		}
		seen[normalized] = true
		fromConfig = append(fromConfig, RelayConfig{URL: normalized, Read: true, Write: true})
	}

	if len(fromConfig) == 0 {
		return nil, fmt.Errorf("no relays configured")
	}
	return fromConfig, nil
}

// ReadRelaysFile parses a relays.yaml file; read and write default to true when omitted
func ReadRelaysFile(path string) ([]RelayConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file relaysFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse relays file %s: %v", path, err)
	}

	var relays []RelayConfig
	seen := make(map[string]bool)
	for _, entry := range file.Relays {
		normalized, err := NormalizeRelayURL(entry.URL)
		if err != nil {
			return nil, err
		}
		if seen[normalized] {
			continue
		}
		seen[normalized] = true

		relay := RelayConfig{URL: normalized, Read: true, Write: true}
		if entry.Read != nil {
			relay.Read = *entry.Read
		}
		if entry.Write != nil {
			relay.Write = *entry.Write
		}
		relays = append(relays, relay)
	}

	if len(relays) == 0 {
		return nil, fmt.Errorf("relays file %s lists no relays", path)
	}
	return relays, nil
}

// NormalizeRelayURL validates a websocket relay URL and strips the trailing slash
func NormalizeRelayURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid relay url %q: %v", raw, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("relay url %q must use ws or wss", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("relay url %q has no host", raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	return strings.TrimSuffix(u.String(), "/"), nil
}
