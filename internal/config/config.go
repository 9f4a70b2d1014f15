// Package config loads the fabric-bench host file.
package config

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrHostNotFound is returned when no configured host is local to this machine.
var ErrHostNotFound = errors.New("config: could not identify this host")

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config is the host file. HostNames entries may use bracket ranges such as
// "node-[01-04,07]-ib".
type Config struct {
	HostNames    []string `yaml:"host_names"`
	Port         int      `yaml:"port"`
	Domain       string   `yaml:"domain,omitempty"`
	Protocol     string   `yaml:"protocol"`
	EndpointType string   `yaml:"endpoint_type,omitempty"`
	Timeout      Duration `yaml:"timeout,omitempty"`
	RegionSize   int      `yaml:"region_size,omitempty"`
}

// Load reads and decodes the configuration file from disk.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse decodes and validates a configuration document.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field ranges.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.Timeout.Duration < 0 {
		return fmt.Errorf("config: negative timeout %s", c.Timeout.Duration)
	}
	if c.RegionSize < 0 {
		return fmt.Errorf("config: negative region_size %d", c.RegionSize)
	}
	return nil
}

// Hosts expands every host_names entry in order.
func (c *Config) Hosts() ([]string, error) {
	var out []string
	for _, pattern := range c.HostNames {
		hosts, err := ExpandHosts(pattern)
		if err != nil {
			return nil, err
		}
		out = append(out, hosts...)
	}
	return out, nil
}

// Resolver maps host names to addresses and lists local interface addresses.
// The zero value uses the system resolver and interfaces.
type Resolver struct {
	LookupIPv4 func(ctx context.Context, host string) (netip.Addr, error)
	LocalAddrs func() ([]netip.Addr, error)
}

// Placement is the resolved host list and this machine's place in it.
type Placement struct {
	Addrs []netip.Addr
	Local netip.Addr
	// NodeID is the 1-based position of Local in Addrs.
	NodeID int
}

// Resolve expands and resolves the host list, then finds the first entry
// bound to a local interface.
func (c *Config) Resolve(ctx context.Context, r Resolver) (Placement, error) {
	lookup := r.LookupIPv4
	if lookup == nil {
		lookup = systemLookupIPv4
	}
	localAddrs := r.LocalAddrs
	if localAddrs == nil {
		localAddrs = systemLocalAddrs
	}

	hosts, err := c.Hosts()
	if err != nil {
		return Placement{}, err
	}
	var p Placement
	for _, host := range hosts {
		addr, err := lookup(ctx, host)
		if err != nil {
			return Placement{}, fmt.Errorf("resolve %s: %w", host, err)
		}
		p.Addrs = append(p.Addrs, addr)
	}

	local, err := localAddrs()
	if err != nil {
		return p, fmt.Errorf("list interfaces: %w", err)
	}
	for i, addr := range p.Addrs {
		for _, l := range local {
			if addr == l {
				p.Local = addr
				p.NodeID = i + 1
				return p, nil
			}
		}
	}
	return p, ErrHostNotFound
}

func systemLookupIPv4(ctx context.Context, host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		addr = addr.Unmap()
		if !addr.Is4() {
			return netip.Addr{}, fmt.Errorf("%s is not an IPv4 address", host)
		}
		return addr, nil
	}
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip4", host)
	if err != nil {
		return netip.Addr{}, err
	}
	if len(addrs) == 0 {
		return netip.Addr{}, fmt.Errorf("no IPv4 address for %s", host)
	}
	return addrs[0].Unmap(), nil
}

func systemLocalAddrs() ([]netip.Addr, error) {
	ifaddrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	out := make([]netip.Addr, 0, len(ifaddrs))
	for _, a := range ifaddrs {
		prefix, err := netip.ParsePrefix(a.String())
		if err != nil {
			continue
		}
		if addr := prefix.Addr().Unmap(); addr.Is4() {
			out = append(out, addr)
		}
	}
	return out, nil
}
