package fi

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// EndpointOption adjusts endpoint creation.
type EndpointOption func(*endpointConfig)

type endpointConfig struct {
	regionSize int
	access     MRAccess
}

// WithRegionSize sets the size of the memory region registered for RMA-capable endpoints.
func WithRegionSize(size int) EndpointOption {
	return func(cfg *endpointConfig) {
		if size > 0 {
			cfg.regionSize = size
		}
	}
}

// WithRegionAccess sets the access flags of the memory region registered for RMA-capable endpoints.
func WithRegionAccess(access MRAccess) EndpointOption {
	return func(cfg *endpointConfig) {
		if access != 0 {
			cfg.access = access
		}
	}
}

// Endpoint is a passive (listening) or active (connected) endpoint. It holds a
// non-owning reference to its context and channel and owns its memory region
// and counter. Transitions are serialized by the endpoint.
type Endpoint struct {
	mu      sync.Mutex
	fc      *FabricContext
	info    Info
	role    Role
	state   State
	cfg     endpointConfig
	active  EndpointHandle
	passive PassiveEndpointHandle
	id      FID
	channel *EventChannel
	counter *Counter
	mr      *MemoryRegion
}

// NewEndpoint creates an endpoint for info on the context's domain. Active
// endpoints created from a connection request's Info are bound to the
// requesting peer.
func (fc *FabricContext) NewEndpoint(info Info, role Role, opts ...EndpointOption) (*Endpoint, error) {
	if fc == nil {
		return nil, ErrInvalidHandle{"fabric"}
	}
	cfg := endpointConfig{regionSize: DefaultRegionSize, access: MRAccessAll}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	ep := &Endpoint{fc: fc, role: role, cfg: cfg}
	if err := ep.transition("resolve info", StateInfoResolved); err != nil {
		return nil, err
	}
	ep.info = info

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if err := fc.live(); err != nil {
		return nil, err
	}
	switch role {
	case RolePassive:
		pep, err := fc.fabric.OpenPassiveEndpoint(info)
		if err != nil {
			return nil, newError(ErrEndpointCreateFailed, "open passive endpoint", err)
		}
		ep.passive = pep
		ep.id = pep.ID()
	default:
		handle, err := fc.domain.OpenEndpoint(info)
		if err != nil {
			return nil, newError(ErrEndpointCreateFailed, "open endpoint", err)
		}
		ep.active = handle
		ep.id = handle.ID()
	}
	ep.state = StateDomainBound
	fc.track(ep)
	return ep, nil
}

// ID returns the provider identity used to correlate connection events.
func (e *Endpoint) ID() FID {
	if e == nil {
		return 0
	}
	return e.id
}

// Role reports whether the endpoint listens or connects.
func (e *Endpoint) Role() Role {
	if e == nil {
		return RoleActive
	}
	return e.role
}

// Info returns the descriptor the endpoint was created from.
func (e *Endpoint) Info() Info {
	if e == nil {
		return Info{}
	}
	return e.info
}

// State returns the current lifecycle state.
func (e *Endpoint) State() State {
	if e == nil {
		return StateClosed
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Channel returns the bound event channel, or nil.
func (e *Endpoint) Channel() *EventChannel {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.channel
}

// MemoryRegion returns the registered region, or nil when the endpoint lacks RMA capability.
func (e *Endpoint) MemoryRegion() *MemoryRegion {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mr
}

// Counter returns the bound completion counter, or nil when the endpoint lacks RMA capability.
func (e *Endpoint) Counter() *Counter {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counter
}

// transition moves the endpoint to state to. Callers hold e.mu except during construction.
func (e *Endpoint) transition(op string, to State) error {
	if !CanTransition(e.role, e.state, to) {
		return &Error{Kind: ErrBadState, Op: op, Detail: fmt.Sprintf("%s endpoint in state %s", e.role, e.state)}
	}
	e.state = to
	return nil
}

func (e *Endpoint) check(op string, want State, role Role) error {
	if e.state != want || e.role != role {
		return &Error{Kind: ErrBadState, Op: op, Detail: fmt.Sprintf("%s endpoint in state %s", e.role, e.state)}
	}
	return nil
}

// BindEventChannel binds the endpoint to ch. An active endpoint whose
// descriptor carries CapRMA also gets a completion counter and a registered
// memory region; without CapRMA neither is created. A failed bind closes the
// counter it opened and leaves the endpoint without RMA resources.
func (e *Endpoint) BindEventChannel(ch *EventChannel) error {
	if e == nil {
		return ErrInvalidHandle{"endpoint"}
	}
	if ch == nil {
		return ErrInvalidHandle{"event queue"}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check("bind event queue", StateDomainBound, e.role); err != nil {
		return err
	}
	if ch.fc != e.fc {
		return &Error{Kind: ErrQueueBindFailed, Op: "bind event queue", Errno: ErrDomain, Err: ErrDomain, Detail: "event channel belongs to another fabric"}
	}
	ch.mu.Lock()
	eq := ch.handle
	ch.mu.Unlock()
	if eq == nil {
		return ErrInvalidHandle{"event queue"}
	}

	var err error
	if e.role == RolePassive {
		err = e.passive.BindEventQueue(eq)
	} else {
		err = e.active.BindEventQueue(eq)
	}
	if err != nil {
		return newError(ErrQueueBindFailed, "bind event queue", err)
	}
	e.channel = ch

	if e.role == RoleActive && e.info.SupportsRMA() {
		if err := e.bindRMA(); err != nil {
			return err
		}
	}
	return e.transition("bind event queue", StateQueueBound)
}

func (e *Endpoint) bindRMA() error {
	e.fc.mu.Lock()
	defer e.fc.mu.Unlock()
	if err := e.fc.live(); err != nil {
		return err
	}
	cntr, err := e.fc.domain.OpenCounter()
	if err != nil {
		return newError(ErrQueueBindFailed, "open counter", err)
	}
	counter := &Counter{handle: cntr}
	if err := e.active.BindCounter(cntr); err != nil {
		_ = counter.Close()
		return newError(ErrQueueBindFailed, "bind counter", err)
	}
	mr, err := registerMemory(e.fc.domain, make([]byte, e.cfg.regionSize), e.cfg.access)
	if err != nil {
		_ = counter.Close()
		return err
	}
	e.counter, e.mr = counter, mr
	return nil
}

// Enable enables an active endpoint.
func (e *Endpoint) Enable() error {
	if e == nil {
		return ErrInvalidHandle{"endpoint"}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check("enable", StateQueueBound, RoleActive); err != nil {
		return err
	}
	if err := e.active.Enable(); err != nil {
		return newError(ErrEnableFailed, "enable endpoint", err)
	}
	return e.transition("enable", StateEnabled)
}

// Listen starts accepting connection requests on a passive endpoint.
func (e *Endpoint) Listen() error {
	if e == nil {
		return ErrInvalidHandle{"passive endpoint"}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check("listen", StateQueueBound, RolePassive); err != nil {
		return err
	}
	if err := e.passive.Listen(); err != nil {
		return newError(ErrEnableFailed, "listen", err)
	}
	return e.transition("listen", StateListening)
}

// Connect issues a connection request to the descriptor's destination address.
func (e *Endpoint) Connect(param []byte) error {
	if e == nil {
		return ErrInvalidHandle{"endpoint"}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check("connect", StateEnabled, RoleActive); err != nil {
		return err
	}
	if !e.info.DestAddr.IsValid() {
		return &Error{Kind: ErrInvalidAddress, Op: "connect", Detail: "descriptor has no destination address"}
	}
	if err := e.active.Connect(e.info.DestAddr, param); err != nil {
		return newError(ErrConnectionFailed, "connect", err)
	}
	return e.transition("connect", StateConnecting)
}

// Accept accepts the connection request this endpoint was created from.
func (e *Endpoint) Accept(param []byte) error {
	if e == nil {
		return ErrInvalidHandle{"endpoint"}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check("accept", StateEnabled, RoleActive); err != nil {
		return err
	}
	if err := e.active.Accept(param); err != nil {
		return newError(ErrConnectionFailed, "accept", err)
	}
	return e.transition("accept", StateConnecting)
}

// AwaitConnected waits on the bound channel for a CONNECTED event addressed to
// this endpoint. A read failure or short read fails with ErrConnectionFailed,
// carrying provider detail when an error entry is pending; any other event, or
// a CONNECTED event for a different endpoint, fails with
// ErrUnexpectedConnectionEvent. The endpoint stays CONNECTING on failure.
func (e *Endpoint) AwaitConnected(ctx context.Context, timeout time.Duration) error {
	if e == nil {
		return ErrInvalidHandle{"endpoint"}
	}
	e.mu.Lock()
	if err := e.check("await connected", StateConnecting, RoleActive); err != nil {
		e.mu.Unlock()
		return err
	}
	ch := e.channel
	e.mu.Unlock()

	evt, err := ch.Read(ctx, timeout)
	if err != nil {
		fail := newError(ErrConnectionFailed, "await connected", err)
		if errors.Is(err, ErrAvail) || errors.Is(err, ErrShortRead) {
			if entry, rerr := ch.ReadError(); rerr == nil && entry != nil {
				fail.Errno = entry.Err
				fail.Detail = entry.Error()
			}
		}
		return fail
	}
	if evt.Kind != EventConnected || evt.FID != e.id {
		return &Error{
			Kind:   ErrUnexpectedConnectionEvent,
			Op:     "await connected",
			Detail: fmt.Sprintf("got %s for fid %d, want connected for fid %d", evt.Kind, evt.FID, e.id),
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transition("connected", StateConnected)
}

// Close releases the endpoint with its memory region and counter. The bound
// channel is owned by the context and stays open.
func (e *Endpoint) Close() error {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateClosed {
		return nil
	}
	e.state = StateClosed
	var err error
	if e.active != nil {
		err = multierr.Append(err, e.active.Close())
		e.active = nil
	}
	if e.passive != nil {
		err = multierr.Append(err, e.passive.Close())
		e.passive = nil
	}
	err = multierr.Append(err, e.mr.Close())
	err = multierr.Append(err, e.counter.Close())
	e.channel = nil
	return err
}
