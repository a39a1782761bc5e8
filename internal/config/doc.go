// Package config provides configuration loading, merging, and path management
// for the nexus daemon.
//
// # Configuration Loading
//
// The Load function searches for and merges configuration from multiple
// sources in priority order:
//
//  1. Global config (~/.config/nexus/ - XDG compatible)
//  2. Project config (nexus.json/nexus.jsonc/nexus.yaml in the working
//     directory)
//  3. NEXUS_CONFIG file
//  4. NEXUS_CONFIG_CONTENT inline JSON
//  5. Environment variables
//
// Later sources override earlier ones field by field; environment variables
// have the highest precedence.
//
// # Supported Formats
//
//   - nexus.json - Standard JSON configuration
//   - nexus.jsonc - JSON with comments, processed using tidwall/jsonc
//   - nexus.yaml - YAML configuration
//
// # Variable Interpolation
//
// Configuration files support {env:VAR_NAME} placeholders, which expand to
// environment variable values before parsing.
//
// # Path Management
//
// The package provides XDG Base Directory Specification compliant path
// management through the Paths type:
//   - Data: ~/.local/share/nexus (XDG_DATA_HOME)
//   - Config: ~/.config/nexus (XDG_CONFIG_HOME)
//   - Cache: ~/.cache/nexus (XDG_CACHE_HOME)
//   - State: ~/.local/state/nexus (XDG_STATE_HOME)
//
// On Windows, these paths are adapted to use APPDATA as appropriate.
//
// # Environment Variable Overrides
//
// Several environment variables provide direct configuration overrides:
//   - NEXUS_SERVER_BINARY - Path to the supervised server executable
//   - NEXUS_SERVER_HOST - Bind address handed to the server
//   - NEXUS_SERVER_PORT - Bind port handed to the server
//   - NEXUS_LISTEN - The daemon's own HTTP listen address
//   - NEXUS_DATA_DIR - Session storage location
//   - NEXUS_LOG_LEVEL - Daemon log level
//   - NEXUS_CONFIG - Path to a specific config file
//   - NEXUS_CONFIG_CONTENT - Inline JSON configuration
//
// # Live Reload
//
// The Watcher type watches the loaded config files for changes and reports
// them after a short debounce. Changes to the server launch config while the
// server is running take effect on the next start.
package config
