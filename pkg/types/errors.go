package types

import "errors"

// Spawn errors.
var (
	// ErrExecutableNotFound means the configured binary does not exist or
	// is not executable.
	ErrExecutableNotFound = errors.New("server executable not found")
	// ErrBindConflict means the configured host:port is already in use.
	ErrBindConflict = errors.New("server address already in use")
)

// Terminate errors.
var (
	// ErrUnresponsive means the process survived a forced kill.
	ErrUnresponsive = errors.New("server process unresponsive to kill")
)

// Relay errors.
var (
	// ErrServerNotReady means a stream was requested while the server
	// lifecycle state is not running.
	ErrServerNotReady = errors.New("server is not running")
	// ErrStreamFailed means the stream ended before the server signalled
	// completion and could not be safely retried.
	ErrStreamFailed = errors.New("response stream failed")
)

// Session errors.
var (
	// ErrSessionNotFound means the session id is unknown to the store.
	ErrSessionNotFound = errors.New("session not found")
	// ErrStreamInProgress means the session already has a live response
	// stream; a session carries at most one in-flight assistant response.
	ErrStreamInProgress = errors.New("a response stream is already in progress")
)

// ErrUnauthorized is returned when the authorization gate rejects a command.
var ErrUnauthorized = errors.New("command not authorized")
