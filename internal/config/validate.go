package config

import (
	"fmt"
	"net/url"

	"github.com/ilpmesh/connector/internal/ilp"
)

// Validate checks the configuration for mistakes that would otherwise only
// surface as confusing runtime behavior.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("config: node_id is required")
	}
	if !ilp.ValidAddress(c.NodeID) {
		return fmt.Errorf("config: node_id %q is not a valid ILP address", c.NodeID)
	}
	if err := validPort("btp_server_port", c.BTPServerPort); err != nil {
		return err
	}
	if err := validPort("health_check_port", c.HealthCheckPort); err != nil {
		return err
	}
	if c.BTPServerPort == c.HealthCheckPort {
		return fmt.Errorf("config: btp_server_port and health_check_port must differ")
	}

	seen := make(map[string]bool, len(c.Peers))
	for _, p := range c.Peers {
		if p.ID == "" {
			return fmt.Errorf("config: peer with empty id")
		}
		if seen[p.ID] {
			return fmt.Errorf("config: duplicate peer id %q", p.ID)
		}
		seen[p.ID] = true
		if p.URL == "" {
			continue // listen-only peer
		}
		u, err := url.Parse(p.URL)
		if err != nil {
			return fmt.Errorf("config: peer %q url: %w", p.ID, err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("config: peer %q url %q must use ws:// or wss://", p.ID, p.URL)
		}
		if u.Host == "" {
			return fmt.Errorf("config: peer %q url %q has no host", p.ID, p.URL)
		}
	}

	for _, r := range c.Routes {
		if !ilp.ValidAddress(r.Prefix) {
			return fmt.Errorf("config: route prefix %q is not a valid ILP address", r.Prefix)
		}
		if r.NextHop == "" {
			return fmt.Errorf("config: route %q has no next_hop", r.Prefix)
		}
	}

	if pct := c.Settlement.ConnectorFeePct; pct < 0 || pct >= 100 {
		return fmt.Errorf("config: connector_fee_percentage %v out of range [0, 100)", pct)
	}
	return nil
}

func validPort(name string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("config: %s %d out of range", name, port)
	}
	return nil
}
