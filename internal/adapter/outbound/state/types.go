// Package state provides file-based persistence for the fleet's runtime
// upstream set.
//
// The state.json file stores the descriptors of every registered upstream,
// statically configured ones included, rewritten after each runtime add or
// remove, so a restart rejoins the same fleet it left instead of falling
// back to only the statically configured upstreams.
// This package provides atomic writes, file locking, and backup
// functionality.
package state

import "time"

// AppState is the top-level structure persisted in state.json.
type AppState struct {
	// Version is the schema version for forward compatibility. Currently "1".
	Version string `json:"version"`

	// Upstreams are the fleet's runtime-registered upstream servers.
	Upstreams []UpstreamEntry `json:"upstreams"`

	// CreatedAt is when this state file was first created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when this state file was last modified.
	UpdatedAt time.Time `json:"updated_at"`
}

// UpstreamEntry is the persisted form of an upstream.Descriptor.
type UpstreamEntry struct {
	// Name is the unique identifier for this upstream within the fleet.
	Name string `json:"name"`

	// Transport selects which variant of the fields below is populated:
	// "stdio", "tcp", or "ws".
	Transport string `json:"transport"`

	// Command and Args spawn a subprocess upstream (stdio only).
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	// Env holds additional environment variables passed to the subprocess.
	Env map[string]string `json:"env,omitempty"`

	// Host and Port address a raw TCP upstream (tcp only).
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`

	// URL addresses a WebSocket upstream (ws only).
	URL string `json:"url,omitempty"`

	// Capabilities are optional advertised-tool-name hints.
	Capabilities []string `json:"capabilities,omitempty"`

	// AddedAt records when this descriptor was registered with the fleet.
	AddedAt time.Time `json:"added_at"`
}
