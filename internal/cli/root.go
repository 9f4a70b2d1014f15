// Package cli implements the fabric-bench command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/rocketbitz/fabricbench/cm"
	fi "github.com/rocketbitz/fabricbench/fi"
	"github.com/rocketbitz/fabricbench/internal/config"

	// The in-process providers are always available.
	_ "github.com/rocketbitz/fabricbench/fi/mock"
)

// Version is set at build time.
var Version = "0.1.0"

const (
	defaultProvider = "mock-rdma"
	defaultPort     = 9999
)

type options struct {
	configPath   string
	provider     string
	node         string
	port         int
	endpointType string
	timeout      time.Duration
	regionSize   int

	logLevel    string
	logFormat   string
	metricsAddr string
	trace       bool
}

// settings is the merged view of the config file and flags.
type settings struct {
	Provider     string
	Node         string
	Port         int
	EndpointType fi.EndpointType
	Caps         uint64
	Timeout      time.Duration
	RegionSize   int
	Domain       string
	NodeID       int
}

// NewRootCommand builds the fabric-bench command tree writing reports to out.
func NewRootCommand(out io.Writer) *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "fabric-bench",
		Short: "Bring up RDMA fabric connections between hosts",
		Long: `fabric-bench resolves a fabric provider, opens a domain and drives
connection-oriented endpoints through the connect and accept handshakes.

Run "fabric-bench server" on one host and "fabric-bench client" on another,
or "fabric-bench selftest" to run both roles in one process.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "YAML host file (host_names, port, protocol, domain, timeout)")
	flags.StringVarP(&opts.provider, "provider", "p", defaultProvider, "fabric provider name")
	flags.StringVar(&opts.node, "node", "", "local bind address (server) or destination address (client)")
	flags.IntVar(&opts.port, "port", defaultPort, "port to listen on or connect to")
	flags.StringVar(&opts.endpointType, "endpoint-type", "msg", "transport: msg, rdma (msg with remote memory access), rdm or dgram")
	flags.DurationVar(&opts.timeout, "timeout", 0, "bound on the connect handshake; 0 waits indefinitely")
	flags.IntVar(&opts.regionSize, "region-size", fi.DefaultRegionSize, "size of the registered memory region in bytes")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flags.StringVar(&opts.logFormat, "log-format", "console", "log encoding: console or json")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flags.BoolVar(&opts.trace, "trace", false, "log connect and accept spans")

	root.AddCommand(
		newServerCommand(opts),
		newClientCommand(opts),
		newSelftestCommand(opts),
		newProvidersCommand(),
	)
	return root
}

// Execute runs the command tree with args until ctx is cancelled.
func Execute(ctx context.Context, out io.Writer, args []string) error {
	root := NewRootCommand(out)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// resolve merges the config file with flags; explicitly set flags win.
func (o *options) resolve(ctx context.Context, cmd *cobra.Command) (settings, error) {
	s := settings{
		Provider:   o.provider,
		Node:       o.node,
		Port:       o.port,
		Timeout:    o.timeout,
		RegionSize: o.regionSize,
	}
	epName := o.endpointType
	changed := cmd.Flags().Changed

	if o.configPath != "" {
		cfg, err := config.Load(o.configPath)
		if err != nil {
			return settings{}, err
		}
		s.Domain = cfg.Domain
		if cfg.Protocol != "" && !changed("provider") {
			s.Provider = cfg.Protocol
		}
		if cfg.Port != 0 && !changed("port") {
			s.Port = cfg.Port
		}
		if cfg.EndpointType != "" && !changed("endpoint-type") {
			epName = cfg.EndpointType
		}
		if cfg.Timeout.Duration > 0 && !changed("timeout") {
			s.Timeout = cfg.Timeout.Duration
		}
		if cfg.RegionSize > 0 && !changed("region-size") {
			s.RegionSize = cfg.RegionSize
		}
		if len(cfg.HostNames) > 0 && !changed("node") {
			placement, err := cfg.Resolve(ctx, config.Resolver{})
			if err != nil {
				return settings{}, err
			}
			s.Node = placement.Local.String()
			s.NodeID = placement.NodeID
		}
	}

	ep, caps, err := fi.ParseTransport(epName)
	if err != nil {
		return settings{}, err
	}
	s.EndpointType = ep
	s.Caps = caps
	if s.Port < 0 || s.Port > 65535 {
		return settings{}, fmt.Errorf("port %d out of range", s.Port)
	}
	if s.RegionSize <= 0 {
		return settings{}, fmt.Errorf("region size must be positive, got %d", s.RegionSize)
	}
	return s, nil
}

func (s settings) connectConfig(node string, rt *runtime) cm.Config {
	return cm.Config{
		Provider:         s.Provider,
		Node:             node,
		Port:             s.Port,
		EndpointType:     s.EndpointType,
		Caps:             s.Caps,
		Timeout:          s.Timeout,
		RegionSize:       s.RegionSize,
		StructuredLogger: rt.log,
		Tracer:           rt.tracer,
		Metrics:          rt.metrics,
	}
}

func (s settings) listenerConfig(node string, registry *cm.Registry, rt *runtime) cm.ListenerConfig {
	return cm.ListenerConfig{
		Provider:         s.Provider,
		Node:             node,
		Port:             s.Port,
		EndpointType:     s.EndpointType,
		Caps:             s.Caps,
		RegionSize:       s.RegionSize,
		AcceptTimeout:    s.Timeout,
		Registry:         registry,
		StructuredLogger: rt.log,
		Tracer:           rt.tracer,
		Metrics:          rt.metrics,
	}
}
