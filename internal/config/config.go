package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/opencode-ai/nexus/pkg/types"
)

// Config is the daemon configuration.
type Config struct {
	// Server is the launch config for the supervised server binary.
	Server types.ServerConfig `json:"server" yaml:"server"`
	// Listen is the daemon's own HTTP listen address.
	Listen string `json:"listen,omitempty" yaml:"listen,omitempty"`
	// DataDir overrides the session storage location.
	DataDir string `json:"dataDir,omitempty" yaml:"dataDir,omitempty"`
	// Log controls daemon logging.
	Log LogConfig `json:"log,omitempty" yaml:"log,omitempty"`
}

// LogConfig controls the daemon's log output.
type LogConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Pretty bool   `json:"pretty,omitempty" yaml:"pretty,omitempty"`
}

// DefaultListen is the daemon's default HTTP listen address.
const DefaultListen = "127.0.0.1:4097"

// Normalize fills in defaults for unset fields.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.DataDir == "" {
		c.DataDir = GetPaths().StoragePath()
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	c.Server.Normalize()
}

// Load loads configuration from multiple sources (priority order):
// 1. Global config (~/.config/nexus/nexus.{json,jsonc,yaml})
// 2. Project config (<directory>/nexus.{json,jsonc,yaml})
// 3. NEXUS_CONFIG file
// 4. NEXUS_CONFIG_CONTENT inline JSON
// 5. Environment variables
func Load(directory string) (*Config, []string, error) {
	config := &Config{}

	var sources []string
	loaded := make(map[string]bool)

	loadOnce := func(path string) {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return
		}
		if loaded[absPath] {
			return
		}
		if loadConfigFile(path, config) == nil {
			loaded[absPath] = true
			sources = append(sources, absPath)
		}
	}

	// 1. Global config
	globalPath := GetPaths().Config
	loadOnce(filepath.Join(globalPath, "nexus.json"))
	loadOnce(filepath.Join(globalPath, "nexus.jsonc"))
	loadOnce(filepath.Join(globalPath, "nexus.yaml"))

	// 2. Project config
	if directory != "" {
		loadOnce(filepath.Join(directory, "nexus.json"))
		loadOnce(filepath.Join(directory, "nexus.jsonc"))
		loadOnce(filepath.Join(directory, "nexus.yaml"))
	}

	// 3. NEXUS_CONFIG file override
	if configPath := os.Getenv("NEXUS_CONFIG"); configPath != "" {
		loadOnce(configPath)
	}

	// 4. NEXUS_CONFIG_CONTENT inline JSON
	if configContent := os.Getenv("NEXUS_CONFIG_CONTENT"); configContent != "" {
		var inline Config
		if err := json.Unmarshal([]byte(configContent), &inline); err == nil {
			mergeConfig(config, &inline)
		}
	}

	// 5. Environment variables (highest priority)
	applyEnvOverrides(config)

	config.Normalize()
	return config, sources, nil
}

// loadConfigFile loads a single config file with interpolation support.
// YAML files are detected by extension; everything else is parsed as JSONC.
func loadConfigFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err // File doesn't exist, skip
	}

	data = interpolate(data)

	var fileConfig Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &fileConfig); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		data = jsonc.ToJSON(data)
		if err := json.Unmarshal(data, &fileConfig); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	}

	mergeConfig(config, &fileConfig)
	return nil
}

var envPattern = regexp.MustCompile(`\{env:([^}]+)\}`)

// interpolate processes {env:VAR} placeholders.
func interpolate(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(varName)))
	})
}

// mergeConfig merges source config into target.
func mergeConfig(target, source *Config) {
	if source.Server.Binary != "" {
		target.Server.Binary = source.Server.Binary
	}
	if source.Server.WorkDir != "" {
		target.Server.WorkDir = source.Server.WorkDir
	}
	if source.Server.Host != "" {
		target.Server.Host = source.Server.Host
	}
	if source.Server.Port != 0 {
		target.Server.Port = source.Server.Port
	}
	if len(source.Server.Args) > 0 {
		target.Server.Args = append([]string(nil), source.Server.Args...)
	}
	if source.Listen != "" {
		target.Listen = source.Listen
	}
	if source.DataDir != "" {
		target.DataDir = source.DataDir
	}
	if source.Log.Level != "" {
		target.Log.Level = source.Log.Level
	}
	if source.Log.Pretty {
		target.Log.Pretty = true
	}
}

// applyEnvOverrides applies NEXUS_* environment variable overrides.
func applyEnvOverrides(config *Config) {
	if binary := os.Getenv("NEXUS_SERVER_BINARY"); binary != "" {
		config.Server.Binary = binary
	}
	if host := os.Getenv("NEXUS_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("NEXUS_SERVER_PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			config.Server.Port = n
		}
	}
	if listen := os.Getenv("NEXUS_LISTEN"); listen != "" {
		config.Listen = listen
	}
	if dataDir := os.Getenv("NEXUS_DATA_DIR"); dataDir != "" {
		config.DataDir = dataDir
	}
	if level := os.Getenv("NEXUS_LOG_LEVEL"); level != "" {
		config.Log.Level = level
	}
}

// Save writes the configuration to a file.
func Save(config *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
