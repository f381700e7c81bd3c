package fleet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/mcp-fleet/mcp-fleet/internal/config"
	"github.com/mcp-fleet/mcp-fleet/internal/domain/upstream"
)

// descriptorFromConfig converts a statically declared upstream into the
// domain descriptor AddUpstream expects.
func descriptorFromConfig(u config.UpstreamConfig) (upstream.Descriptor, error) {
	d := upstream.Descriptor{Name: u.Name}

	switch {
	case u.Command != "":
		d.Transport = upstream.TransportStdio
		d.Command = u.Command
		d.Args = u.Args
		d.Env = envToMap(u.Env)
	case u.TCP != "":
		d.Transport = upstream.TransportTCP
		host, portStr, err := net.SplitHostPort(u.TCP)
		if err != nil {
			return upstream.Descriptor{}, fmt.Errorf("upstream %s: invalid tcp address %q: %w", u.Name, u.TCP, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return upstream.Descriptor{}, fmt.Errorf("upstream %s: invalid tcp port %q: %w", u.Name, portStr, err)
		}
		d.Host = host
		d.Port = port
	case u.WS != "":
		d.Transport = upstream.TransportWebSocket
		d.URL = u.WS
	default:
		return upstream.Descriptor{}, fmt.Errorf("upstream %s: no transport configured", u.Name)
	}

	return d, nil
}

func envToMap(pairs []string) map[string]string {
	if len(pairs) == 0 {
		return nil
	}
	m := make(map[string]string, len(pairs))
	for _, p := range pairs {
		key, value, _ := strings.Cut(p, "=")
		m[key] = value
	}
	return m
}

// LoadStaticUpstreams registers every upstream declared in the fleet's
// configuration file. Called once at startup after New; upstreams added
// later through the admin API go through AddUpstream directly. An
// upstream that cannot be converted or registered is skipped; the others
// are still registered and every such error is joined into the result.
func (m *Manager) LoadStaticUpstreams(ctx context.Context) error {
	var loadErrs []error
	for _, u := range m.cfg.Upstreams {
		d, err := descriptorFromConfig(u)
		if err != nil {
			loadErrs = append(loadErrs, err)
			continue
		}
		if err := m.AddUpstream(ctx, d); err != nil {
			loadErrs = append(loadErrs, fmt.Errorf("adding upstream %s: %w", u.Name, err))
		}
	}
	return errors.Join(loadErrs...)
}
