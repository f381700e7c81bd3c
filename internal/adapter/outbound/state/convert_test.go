package state

import (
	"reflect"
	"testing"
	"time"

	"github.com/mcp-fleet/mcp-fleet/internal/domain/upstream"
)

func TestFromDescriptor_ToDescriptor_RoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	d := upstream.Descriptor{
		Name:         "alpha",
		Transport:    upstream.TransportTCP,
		Host:         "10.0.0.1",
		Port:         9000,
		Capabilities: []string{"search"},
		AddedAt:      now,
	}

	entry := FromDescriptor(d)
	if entry.Transport != "tcp" {
		t.Errorf("Transport = %q, want tcp", entry.Transport)
	}

	back := entry.ToDescriptor()
	if !reflect.DeepEqual(back, d) {
		t.Errorf("round trip mismatch: got %+v, want %+v", back, d)
	}
}

func TestFromDescriptors_ToDescriptors(t *testing.T) {
	ds := []upstream.Descriptor{
		{Name: "a", Transport: upstream.TransportStdio, Command: "echo"},
		{Name: "b", Transport: upstream.TransportWebSocket, URL: "ws://h/mcp"},
	}

	entries := FromDescriptors(ds)
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}

	back := ToDescriptors(entries)
	if len(back) != 2 || back[0].Name != "a" || back[1].Name != "b" {
		t.Errorf("unexpected round trip result: %+v", back)
	}
}
