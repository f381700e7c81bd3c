package state

import "github.com/mcp-fleet/mcp-fleet/internal/domain/upstream"

// FromDescriptor converts a domain descriptor to its persisted form.
func FromDescriptor(d upstream.Descriptor) UpstreamEntry {
	return UpstreamEntry{
		Name:         d.Name,
		Transport:    string(d.Transport),
		Command:      d.Command,
		Args:         d.Args,
		Env:          d.Env,
		Host:         d.Host,
		Port:         d.Port,
		URL:          d.URL,
		Capabilities: d.Capabilities,
		AddedAt:      d.AddedAt,
	}
}

// ToDescriptor converts a persisted entry back to a domain descriptor.
func (e UpstreamEntry) ToDescriptor() upstream.Descriptor {
	return upstream.Descriptor{
		Name:         e.Name,
		Transport:    upstream.TransportKind(e.Transport),
		Command:      e.Command,
		Args:         e.Args,
		Env:          e.Env,
		Host:         e.Host,
		Port:         e.Port,
		URL:          e.URL,
		Capabilities: e.Capabilities,
		AddedAt:      e.AddedAt,
	}
}

// FromDescriptors converts a slice of descriptors, as returned by
// fleet.Manager.Descriptors, to the persisted form saved in AppState.
func FromDescriptors(ds []upstream.Descriptor) []UpstreamEntry {
	out := make([]UpstreamEntry, 0, len(ds))
	for _, d := range ds {
		out = append(out, FromDescriptor(d))
	}
	return out
}

// ToDescriptors converts a saved upstream set back to domain descriptors,
// e.g. for re-registering them with a fleet.Manager at startup.
func ToDescriptors(entries []UpstreamEntry) []upstream.Descriptor {
	out := make([]upstream.Descriptor, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ToDescriptor())
	}
	return out
}
