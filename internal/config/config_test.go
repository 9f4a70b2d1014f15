package config

import (
	"context"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hosts.yaml")
	content := `host_names:
  - 10.0.0.1
  - node-[1-2]
port: 9999
protocol: mock-rdma
domain: mock-rdma0
timeout: 5s
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 9999 || cfg.Protocol != "mock-rdma" || cfg.Domain != "mock-rdma0" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Timeout.Duration != 5*time.Second {
		t.Fatalf("unexpected timeout %s", cfg.Timeout.Duration)
	}
	hosts, err := cfg.Hosts()
	if err != nil {
		t.Fatalf("hosts: %v", err)
	}
	if want := []string{"10.0.0.1", "node-1", "node-2"}; !reflect.DeepEqual(hosts, want) {
		t.Fatalf("unexpected hosts %v", hosts)
	}
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"port":     "port: 70000\n",
		"timeout":  "timeout: soon\n",
		"negative": "timeout: -1s\n",
		"region":   "region_size: -4\n",
		"syntax":   "host_names: [\n",
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestExpandHosts(t *testing.T) {
	cases := []struct {
		pattern string
		want    []string
	}{
		{"localhost", []string{"localhost"}},
		{"ares-comp-[01-03]-40g", []string{"ares-comp-01-40g", "ares-comp-02-40g", "ares-comp-03-40g"}},
		{"n[8-10,15]", []string{"n8", "n9", "n10", "n15"}},
		{"n[007]", []string{"n007"}},
	}
	for _, tc := range cases {
		got, err := ExpandHosts(tc.pattern)
		if err != nil {
			t.Fatalf("ExpandHosts(%q): %v", tc.pattern, err)
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("ExpandHosts(%q) = %v, want %v", tc.pattern, got, tc.want)
		}
	}

	for _, bad := range []string{"", "n[1-", "n]1", "n[3-1]", "n[a-b]", "n[1][2]"} {
		if _, err := ExpandHosts(bad); err == nil {
			t.Fatalf("ExpandHosts(%q) should fail", bad)
		}
	}
}

func TestResolveFindsLocalHost(t *testing.T) {
	cfg := &Config{HostNames: []string{"node-[1-3]"}}
	table := map[string]netip.Addr{
		"node-1": netip.MustParseAddr("10.0.0.1"),
		"node-2": netip.MustParseAddr("10.0.0.2"),
		"node-3": netip.MustParseAddr("10.0.0.3"),
	}
	r := Resolver{
		LookupIPv4: func(_ context.Context, host string) (netip.Addr, error) {
			addr, ok := table[host]
			if !ok {
				return netip.Addr{}, errors.New("unknown host")
			}
			return addr, nil
		},
		LocalAddrs: func() ([]netip.Addr, error) {
			return []netip.Addr{netip.MustParseAddr("127.0.0.1"), netip.MustParseAddr("10.0.0.2")}, nil
		},
	}

	p, err := cfg.Resolve(context.Background(), r)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.NodeID != 2 || p.Local != table["node-2"] || len(p.Addrs) != 3 {
		t.Fatalf("unexpected placement %+v", p)
	}

	r.LocalAddrs = func() ([]netip.Addr, error) { return []netip.Addr{netip.MustParseAddr("192.168.1.1")}, nil }
	if _, err := cfg.Resolve(context.Background(), r); !errors.Is(err, ErrHostNotFound) {
		t.Fatalf("expected ErrHostNotFound, got %v", err)
	}

	cfg.HostNames = []string{"other"}
	if _, err := cfg.Resolve(context.Background(), r); err == nil {
		t.Fatalf("expected lookup failure")
	}
}

func TestResolveLoopback(t *testing.T) {
	cfg := &Config{HostNames: []string{"127.0.0.1"}}
	p, err := cfg.Resolve(context.Background(), Resolver{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.Local != netip.MustParseAddr("127.0.0.1") || p.NodeID != 1 {
		t.Fatalf("unexpected placement %+v", p)
	}
}
