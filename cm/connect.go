package cm

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	fi "github.com/rocketbitz/fabricbench/fi"
)

// Config controls Connect.
type Config struct {
	Provider     string
	Node         string
	Port         int
	EndpointType fi.EndpointType
	Caps         uint64
	// Timeout bounds the wait for CONNECTED; zero waits indefinitely.
	Timeout    time.Duration
	RegionSize int
	Param      []byte

	Logger           Logger
	StructuredLogger StructuredLogger
	Tracer           Tracer
	Metrics          MetricHook
}

// Conn is an established client connection and the resources behind it.
type Conn struct {
	cfg    Config
	info   fi.Info
	fc     *fi.FabricContext
	ep     *fi.Endpoint
	ch     *fi.EventChannel
	closed atomic.Bool
	telemetry
}

// Connect resolves the provider for the destination, opens a fabric context
// and drives an active endpoint to CONNECTED. There is no retry. When a step
// fails after the fabric was opened, Connect returns the partially built Conn
// together with the error so the caller can release what was opened with Close.
func Connect(ctx context.Context, cfg Config) (*Conn, error) {
	if cfg.Provider == "" {
		return nil, errors.New("fabricbench connect: provider required")
	}
	if cfg.EndpointType == fi.EndpointTypeUnspec {
		cfg.EndpointType = fi.EndpointTypeMsg
	}
	if ctx == nil {
		ctx = context.Background()
	}
	c := &Conn{cfg: cfg}
	c.telemetry = newTelemetry("connect", cfg.Logger, cfg.StructuredLogger, cfg.Tracer, cfg.Metrics,
		baseAttrs(cfg.Provider, cfg.EndpointType, cfg.Node, cfg.Port))

	span := c.startSpan("fabricbench-connect")
	c.logEvent("connect_start", logKV("node", cfg.Node), logKV("port", cfg.Port))
	err := c.establish(ctx, span)
	if err != nil {
		c.logEvent("connect_failed", logKV("error", err), logKV(labelReason, Reason(err)))
		if c.metrics != nil {
			c.metrics.ConnectFailed(err, c.metricAttrs(logKV(labelReason, Reason(err))))
		}
		spanEnd(span, err)
		if c.fc == nil {
			return nil, err
		}
		return c, err
	}
	c.logEvent("connected", logKV("fid", c.ep.ID()), logKV("rma", c.info.SupportsRMA()))
	if c.metrics != nil {
		c.metrics.ConnectCompleted(c.metricAttrs())
	}
	spanEnd(span, nil)
	return c, nil
}

func (c *Conn) establish(ctx context.Context, span Span) error {
	cfg := c.cfg
	opts := []fi.DiscoverOption{
		fi.WithProvider(cfg.Provider),
		fi.WithEndpointType(cfg.EndpointType),
		fi.WithNode(cfg.Node),
		fi.WithPort(cfg.Port),
		fi.WithSource(false),
	}
	if cfg.Caps != 0 {
		opts = append(opts, fi.WithCaps(cfg.Caps))
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("query provider: %w: port %d out of range", fi.ErrInvalidAddress, cfg.Port)
	}
	info, err := fi.Query(opts...)
	if err != nil {
		return fmt.Errorf("query provider: %w", err)
	}
	c.info = info
	c.logEvent("provider_resolved", logKV("dest", info.DestAddr), logKV("rdma", info.SupportsRMA()), logKV("support", DescribeRDMA(info.DestAddr, info)))
	spanAddEvent(span, "provider_resolved", logKV("rdma", info.SupportsRMA()))

	fc, err := fi.Open(info)
	if err != nil {
		return fmt.Errorf("open fabric: %w", err)
	}
	c.fc = fc

	var epOpts []fi.EndpointOption
	if cfg.RegionSize > 0 {
		epOpts = append(epOpts, fi.WithRegionSize(cfg.RegionSize))
	}
	ep, err := fc.NewEndpoint(info, fi.RoleActive, epOpts...)
	if err != nil {
		return fmt.Errorf("open endpoint: %w", err)
	}
	c.ep = ep

	ch, err := fc.OpenEventChannel(nil)
	if err != nil {
		return fmt.Errorf("open event queue: %w", err)
	}
	c.ch = ch
	if err := ch.Bind(ep); err != nil {
		return err
	}
	if err := ep.Enable(); err != nil {
		return err
	}
	if err := ep.Connect(cfg.Param); err != nil {
		return err
	}
	spanAddEvent(span, "connecting", logKV("fid", ep.ID()))

	timeout := fi.Infinite
	if cfg.Timeout > 0 {
		timeout = cfg.Timeout
	}
	if err := ep.AwaitConnected(ctx, timeout); err != nil {
		// Any event other than our CONNECTED fails the client handshake.
		if errors.Is(err, fi.ErrUnexpectedConnectionEvent) && !errors.Is(err, fi.ErrConnectionFailed) {
			return &fi.Error{Kind: fi.ErrConnectionFailed, Op: "connect", Errno: fi.ErrnoOf(err), Err: err}
		}
		return err
	}
	return nil
}

// Info returns the descriptor the connection was resolved to.
func (c *Conn) Info() fi.Info {
	if c == nil {
		return fi.Info{}
	}
	return c.info
}

// Endpoint returns the active endpoint, or nil when setup failed before it was created.
func (c *Conn) Endpoint() *fi.Endpoint {
	if c == nil {
		return nil
	}
	return c.ep
}

// Channel returns the event channel bound to the endpoint.
func (c *Conn) Channel() *fi.EventChannel {
	if c == nil {
		return nil
	}
	return c.ch
}

// Fabric returns the fabric context owning the connection's resources.
func (c *Conn) Fabric() *fi.FabricContext {
	if c == nil {
		return nil
	}
	return c.fc
}

// State reports the endpoint state, or StateClosed when no endpoint exists.
func (c *Conn) State() fi.State {
	if c == nil || c.ep == nil {
		return fi.StateClosed
	}
	return c.ep.State()
}

// Close releases every resource opened by Connect.
func (c *Conn) Close() error {
	if c == nil {
		return nil
	}
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.fc == nil {
		return nil
	}
	err := c.fc.Close()
	c.logEvent("closed")
	return err
}
