package cm

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	fi "github.com/rocketbitz/fabricbench/fi"
)

var (
	// ErrAcceptLoopUsed is returned when AcceptLoop or Start is invoked a second time.
	ErrAcceptLoopUsed = errors.New("fabricbench listener: accept loop already started")
	// ErrNotStarted is returned by Join when Start was never called.
	ErrNotStarted = errors.New("fabricbench listener: not started")
	// ErrPeerRejected marks a connection request whose peer could not be
	// brought to CONNECTED. The listener keeps accepting after it.
	ErrPeerRejected = errors.New("fabricbench listener: connection request rejected")
)

// DefaultAcceptTimeout bounds the wait for CONNECTED on an accepted peer when
// ListenerConfig.AcceptTimeout is zero.
const DefaultAcceptTimeout = 10 * time.Second

// ListenerConfig controls Listen.
type ListenerConfig struct {
	Provider     string
	Node         string
	Port         int
	EndpointType fi.EndpointType
	Caps         uint64
	RegionSize   int
	// AcceptTimeout bounds the wait for CONNECTED on each accepted peer.
	// Peers are brought up one at a time, so a stalled handshake delays every
	// later request by up to this long. Zero means DefaultAcceptTimeout and a
	// negative value waits indefinitely.
	AcceptTimeout time.Duration
	Param         []byte
	// Registry receives accepted peers; a fresh one is created when nil.
	Registry *Registry

	Logger           Logger
	StructuredLogger StructuredLogger
	Tracer           Tracer
	Metrics          MetricHook
}

// Listener owns a passive endpoint in LISTENING and every peer accepted from it.
// Accepted peers are always distinct endpoints from the listening one.
type Listener struct {
	cfg      ListenerConfig
	info     fi.Info
	fc       *fi.FabricContext
	pep      *fi.Endpoint
	ch       *fi.EventChannel
	registry *Registry

	loopUsed atomic.Bool
	closed   atomic.Bool

	mu    sync.Mutex
	fatal error

	started atomic.Bool
	done    chan struct{}
	joinErr error

	telemetry
}

// Listen resolves the provider for the bind address, opens a fabric context
// and brings a passive endpoint to LISTENING. When a step fails after the
// fabric was opened, the partially built Listener is returned with the error
// and the caller releases it with Close.
func Listen(cfg ListenerConfig) (*Listener, error) {
	if cfg.Provider == "" {
		return nil, errors.New("fabricbench listener: provider required")
	}
	if cfg.EndpointType == fi.EndpointTypeUnspec {
		cfg.EndpointType = fi.EndpointTypeMsg
	}
	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	l := &Listener{cfg: cfg, registry: registry, done: make(chan struct{})}
	l.telemetry = newTelemetry("listener", cfg.Logger, cfg.StructuredLogger, cfg.Tracer, cfg.Metrics,
		baseAttrs(cfg.Provider, cfg.EndpointType, cfg.Node, cfg.Port))

	if err := l.setup(); err != nil {
		l.logEvent("listen_failed", logKV("error", err), logKV(labelReason, Reason(err)))
		if l.fc == nil {
			return nil, err
		}
		return l, err
	}
	l.logEvent("listener_started", logKV("addr", l.info.SrcAddr), logKV("fid", l.pep.ID()), logKV("rdma", l.info.SupportsRMA()), logKV("support", DescribeRDMA(l.info.SrcAddr, l.info)))
	if l.metrics != nil {
		l.metrics.ListenerStarted(l.metricAttrs())
	}
	return l, nil
}

func (l *Listener) setup() error {
	cfg := l.cfg
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("query provider: %w: port %d out of range", fi.ErrInvalidAddress, cfg.Port)
	}
	opts := []fi.DiscoverOption{
		fi.WithProvider(cfg.Provider),
		fi.WithEndpointType(cfg.EndpointType),
		fi.WithNode(cfg.Node),
		fi.WithPort(cfg.Port),
		fi.WithSource(true),
	}
	if cfg.Caps != 0 {
		opts = append(opts, fi.WithCaps(cfg.Caps))
	}
	info, err := fi.Query(opts...)
	if err != nil {
		return fmt.Errorf("query provider: %w", err)
	}
	l.info = info

	fc, err := fi.Open(info)
	if err != nil {
		return fmt.Errorf("open fabric: %w", err)
	}
	l.fc = fc

	pep, err := fc.NewEndpoint(info, fi.RolePassive)
	if err != nil {
		return fmt.Errorf("open passive endpoint: %w", err)
	}
	l.pep = pep

	ch, err := fc.OpenEventChannel(nil)
	if err != nil {
		return fmt.Errorf("open event queue: %w", err)
	}
	l.ch = ch
	if err := ch.Bind(pep); err != nil {
		return fmt.Errorf("bind event queue: %w", err)
	}
	if err := pep.Listen(); err != nil {
		return fmt.Errorf("listen passive endpoint: %w", err)
	}
	return nil
}

// Addr returns the bound address.
func (l *Listener) Addr() netip.AddrPort {
	if l == nil {
		return netip.AddrPort{}
	}
	return l.info.SrcAddr
}

// Info returns the descriptor the listener was resolved to.
func (l *Listener) Info() fi.Info {
	if l == nil {
		return fi.Info{}
	}
	return l.info
}

// Endpoint returns the passive listening endpoint.
func (l *Listener) Endpoint() *fi.Endpoint {
	if l == nil {
		return nil
	}
	return l.pep
}

// Registry returns the registry of accepted peers.
func (l *Listener) Registry() *Registry {
	if l == nil {
		return nil
	}
	return l.registry
}

// Accept blocks until the next connection request and returns the peer once
// it is CONNECTED and recorded in the registry. A non-request event or a short
// read is fatal: it is returned now and on every later call. When the peer for
// a valid request cannot be set up, its endpoint and channel are released and
// the error matches ErrPeerRejected; the listener stays usable. Context
// cancellation is not fatal either.
func (l *Listener) Accept(ctx context.Context) (*Peer, error) {
	if l == nil || l.pep == nil || l.ch == nil {
		return nil, fi.ErrInvalidHandle{Resource: "listener"}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	l.mu.Lock()
	fatal := l.fatal
	l.mu.Unlock()
	if fatal != nil {
		return nil, fatal
	}
	if l.closed.Load() {
		return nil, fi.ErrClosed
	}

	peer, err := l.acceptOne(ctx)
	if err != nil {
		if IsShutdown(err) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		l.logEvent("accept_failed", logKV("error", err), logKV(labelReason, Reason(err)))
		if l.metrics != nil {
			l.metrics.AcceptFailed(err, l.metricAttrs(logKV(labelReason, Reason(err))))
		}
		if errors.Is(err, ErrPeerRejected) {
			return nil, err
		}
		l.mu.Lock()
		if l.fatal == nil {
			l.fatal = err
		}
		l.mu.Unlock()
		return nil, err
	}
	return peer, nil
}

func (l *Listener) acceptOne(ctx context.Context) (*Peer, error) {
	evt, err := l.ch.Read(ctx, fi.Infinite)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, fi.ErrClosed) {
			return nil, err
		}
		if l.closed.Load() {
			return nil, fi.ErrClosed
		}
		fail := &fi.Error{Kind: fi.ErrUnexpectedEvent, Op: "read connection request", Errno: fi.ErrnoOf(err), Err: err}
		if errors.Is(err, fi.ErrAvail) {
			if entry, rerr := l.ch.ReadError(); rerr == nil && entry != nil {
				fail.Errno = entry.Err
				fail.Detail = entry.Error()
			}
		}
		return nil, fail
	}
	if evt.Kind != fi.EventConnReq || evt.Info == nil {
		return nil, &fi.Error{
			Kind:   fi.ErrUnexpectedEvent,
			Op:     "read connection request",
			Detail: fmt.Sprintf("got %s for fid %d", evt.Kind, evt.FID),
		}
	}
	l.logEvent("connreq", logKV("fid", evt.FID), logKV("peer", evt.Info.DestAddr))

	span := l.startSpan("fabricbench-accept")
	peer, err := l.acceptRequest(ctx, *evt.Info, span)
	spanEnd(span, err)
	if err != nil {
		if IsShutdown(err) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrPeerRejected, err)
	}
	l.logEvent("peer_accepted", logKV("seq", peer.Seq), logKV("fid", peer.Endpoint.ID()), logKV("rma", peer.Info.SupportsRMA()))
	if l.metrics != nil {
		l.metrics.AcceptCompleted(l.metricAttrs())
	}
	return peer, nil
}

// acceptRequest builds a fresh active endpoint from the request descriptor on
// its own event channel. The listening endpoint is never touched. On failure
// the endpoint and channel opened for the request are closed.
func (l *Listener) acceptRequest(ctx context.Context, info fi.Info, span Span) (*Peer, error) {
	var opts []fi.EndpointOption
	if l.cfg.RegionSize > 0 {
		opts = append(opts, fi.WithRegionSize(l.cfg.RegionSize))
	}
	ep, err := l.fc.NewEndpoint(info, fi.RoleActive, opts...)
	if err != nil {
		return nil, fmt.Errorf("open endpoint: %w", err)
	}
	ch, err := l.fc.OpenEventChannel(nil)
	if err != nil {
		_ = ep.Close()
		return nil, fmt.Errorf("open event queue: %w", err)
	}
	release := func(err error) (*Peer, error) {
		_ = ep.Close()
		_ = ch.Close()
		return nil, err
	}
	if err := ch.Bind(ep); err != nil {
		return release(err)
	}
	if err := ep.Enable(); err != nil {
		return release(err)
	}
	if err := ep.Accept(l.cfg.Param); err != nil {
		return release(err)
	}
	spanAddEvent(span, "accepting", logKV("fid", ep.ID()))

	if err := ep.AwaitConnected(ctx, l.cfg.acceptTimeout()); err != nil {
		return release(err)
	}
	return l.registry.add(ep, ch), nil
}

func (c ListenerConfig) acceptTimeout() time.Duration {
	switch {
	case c.AcceptTimeout < 0:
		return fi.Infinite
	case c.AcceptTimeout == 0:
		return DefaultAcceptTimeout
	default:
		return c.AcceptTimeout
	}
}

// AcceptLoop returns the lazy, unbounded sequence of accepted peers. Each
// pull blocks until the next peer is CONNECTED. Rejected requests are logged
// and skipped. The sequence ends after yielding an error: a fatal event, ctx
// cancellation or Close. It can be ranged over once; a second call yields
// ErrAcceptLoopUsed.
func (l *Listener) AcceptLoop(ctx context.Context) iter.Seq2[*Peer, error] {
	return func(yield func(*Peer, error) bool) {
		if l == nil || !l.loopUsed.CompareAndSwap(false, true) {
			yield(nil, ErrAcceptLoopUsed)
			return
		}
		var last error
		defer func() {
			l.logEvent("listener_stopped", logKV(labelReason, Reason(last)), logKV("accepted", l.registry.Len()))
			if l.metrics != nil {
				l.metrics.ListenerStopped(l.metricAttrs(logKV(labelReason, Reason(last))))
			}
		}()
		for {
			peer, err := l.Accept(ctx)
			if errors.Is(err, ErrPeerRejected) {
				continue
			}
			if err != nil {
				last = err
				yield(nil, err)
				return
			}
			if !yield(peer, nil) {
				return
			}
		}
	}
}

// Serve drains AcceptLoop, handing every peer to handler, and returns the
// error that ended the loop.
func (l *Listener) Serve(ctx context.Context, handler func(*Peer)) error {
	for peer, err := range l.AcceptLoop(ctx) {
		if err != nil {
			return err
		}
		if handler != nil {
			handler(peer)
		}
	}
	return nil
}

// Start runs Serve on a dedicated goroutine. Use Join to wait for it.
func (l *Listener) Start(ctx context.Context, handler func(*Peer)) error {
	if l == nil {
		return fi.ErrInvalidHandle{Resource: "listener"}
	}
	if !l.started.CompareAndSwap(false, true) {
		return ErrAcceptLoopUsed
	}
	go func() {
		defer close(l.done)
		l.joinErr = l.Serve(ctx, handler)
	}()
	return nil
}

// Join waits for the goroutine launched by Start and returns the error that
// ended the accept loop. It only returns on a fatal error, ctx cancellation
// or Close.
func (l *Listener) Join() error {
	if l == nil || !l.started.Load() {
		return ErrNotStarted
	}
	<-l.done
	return l.joinErr
}

// Close releases the listener and every accepted peer. A blocked accept
// returns ErrClosed.
func (l *Listener) Close() error {
	if l == nil {
		return nil
	}
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	if l.fc == nil {
		return nil
	}
	err := l.fc.Close()
	l.logEvent("closed")
	return err
}
