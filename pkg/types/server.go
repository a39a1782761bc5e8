// Package types contains the shared data types for the nexus core: the
// supervised server's launch config and state, chat sessions and messages,
// and the error taxonomy surfaced by the command surface.
package types

import (
	"fmt"
	"os"
	"time"
)

// ServerConfig describes a single launch of the supervised AI server binary.
// It is immutable once a launch begins; changing configuration requires a
// stop and a fresh start.
type ServerConfig struct {
	// Binary is the path to the server executable.
	Binary string `json:"binary"`
	// WorkDir is the working directory for the spawned process.
	// Empty means inherit the daemon's working directory.
	WorkDir string `json:"workDir,omitempty"`
	// Host is the bind address handed to the server. Defaults to 127.0.0.1.
	Host string `json:"host,omitempty"`
	// Port is the bind port handed to the server. Defaults to 4096.
	Port int `json:"port,omitempty"`
	// Args are extra arguments appended after the host/port flags.
	Args []string `json:"args,omitempty"`
}

// DefaultServerPort is the port the opencode server family binds by default.
const DefaultServerPort = 4096

// Normalize fills in defaults for unset fields.
func (c *ServerConfig) Normalize() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = DefaultServerPort
	}
}

// URL returns the base HTTP URL the server is expected to listen on.
func (c ServerConfig) URL() string {
	host := c.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := c.Port
	if port == 0 {
		port = DefaultServerPort
	}
	return fmt.Sprintf("http://%s:%d", host, port)
}

// Validate checks that the config references a runnable binary and a sane
// port. Port availability is checked separately at spawn time.
func (c ServerConfig) Validate() error {
	if c.Binary == "" {
		return fmt.Errorf("%w: no binary configured", ErrExecutableNotFound)
	}
	info, err := os.Stat(c.Binary)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrExecutableNotFound, c.Binary)
	}
	if info.IsDir() || info.Mode()&0111 == 0 {
		return fmt.Errorf("%w: %s is not executable", ErrExecutableNotFound, c.Binary)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return nil
}

// ServerStatus is the discriminant of the lifecycle state machine.
type ServerStatus string

const (
	ServerStopped  ServerStatus = "stopped"
	ServerStarting ServerStatus = "starting"
	ServerRunning  ServerStatus = "running"
	ServerStopping ServerStatus = "stopping"
	ServerFailed   ServerStatus = "failed"
)

// ServerState is the single authoritative lifecycle state. PID and URL are
// set only while running; Reason is set only when failed.
type ServerState struct {
	Status    ServerStatus `json:"status"`
	PID       int          `json:"pid,omitempty"`
	URL       string       `json:"url,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	ChangedAt time.Time    `json:"changedAt"`
}

// Is reports whether the state has the given status.
func (s ServerState) Is(status ServerStatus) bool {
	return s.Status == status
}
