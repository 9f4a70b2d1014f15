package mock

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	fi "github.com/rocketbitz/fabricbench/fi"
)

type record struct {
	entry fi.CMEntry
	size  int
	err   *fi.EventError
}

type eventQueue struct {
	p       *Provider
	entries chan record
	done    chan struct{}
	once    sync.Once

	mu      sync.Mutex
	pending *fi.EventError
}

func newEventQueue(p *Provider, size int) *eventQueue {
	return &eventQueue{p: p, entries: make(chan record, size), done: make(chan struct{})}
}

func (q *eventQueue) push(r record) bool {
	select {
	case <-q.done:
		return false
	default:
	}
	select {
	case q.entries <- r:
		return true
	case <-q.done:
		return false
	default:
		return false
	}
}

// SRead follows fi_eq_sread: FI_EAVAIL when an error entry is next, FI_EAGAIN
// when nothing arrived before the timeout.
func (q *eventQueue) SRead(timeout time.Duration) (fi.CMEntry, int, error) {
	q.mu.Lock()
	pending := q.pending != nil
	q.mu.Unlock()
	if pending {
		return fi.CMEntry{}, 0, fi.ErrAvail
	}

	var r record
	switch {
	case timeout == 0:
		select {
		case r = <-q.entries:
		case <-q.done:
			return fi.CMEntry{}, 0, fi.ErrClosed
		default:
			return fi.CMEntry{}, 0, fi.ErrAgain
		}
	case timeout < 0:
		select {
		case r = <-q.entries:
		case <-q.done:
			return fi.CMEntry{}, 0, fi.ErrClosed
		}
	default:
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case r = <-q.entries:
		case <-q.done:
			return fi.CMEntry{}, 0, fi.ErrClosed
		case <-timer.C:
			return fi.CMEntry{}, 0, fi.ErrAgain
		}
	}
	if r.err != nil {
		q.mu.Lock()
		q.pending = r.err
		q.mu.Unlock()
		return fi.CMEntry{}, 0, fi.ErrAvail
	}
	return r.entry, r.size, nil
}

func (q *eventQueue) EntrySize() int { return EntrySize }

func (q *eventQueue) ReadErr() (fi.EventError, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending == nil {
		return fi.EventError{}, fi.ErrAgain
	}
	entry := *q.pending
	q.pending = nil
	return entry, nil
}

func (q *eventQueue) Close() error {
	closed := false
	q.once.Do(func() {
		close(q.done)
		closed = true
	})
	if closed {
		q.p.closed("eq")
	}
	return nil
}

type passiveEndpoint struct {
	p        *Provider
	id       fi.FID
	info     fi.Info
	addr     netip.AddrPort
	eq       atomic.Pointer[eventQueue]
	listened atomic.Bool
	closed   atomic.Bool
}

func (e *passiveEndpoint) ID() fi.FID { return e.id }

func (e *passiveEndpoint) BindEventQueue(eq fi.EventQueueHandle) error {
	if err := e.p.fault().BindEventQueue; err != nil {
		return err
	}
	q, ok := eq.(*eventQueue)
	if !ok || q.p != e.p {
		return fi.ErrInvalid
	}
	e.eq.Store(q)
	return nil
}

func (e *passiveEndpoint) Listen() error {
	if err := e.p.fault().Listen; err != nil {
		return err
	}
	if e.eq.Load() == nil {
		return fi.ErrNoEQ
	}
	if err := e.p.listen(e); err != nil {
		return err
	}
	e.listened.Store(true)
	return nil
}

func (e *passiveEndpoint) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	if e.listened.Load() {
		e.p.unlisten(e)
	}
	e.p.closed("pep")
	return nil
}

// connRequest is carried in the Info of a CONNREQ event.
type connRequest struct {
	client *endpoint
	param  []byte
}

type endpoint struct {
	p    *Provider
	id   fi.FID
	info fi.Info
	req  *connRequest

	mu      sync.Mutex
	eq      *eventQueue
	cntr    *counter
	enabled bool
	closed  bool
}

func (e *endpoint) ID() fi.FID { return e.id }

func (e *endpoint) BindEventQueue(eq fi.EventQueueHandle) error {
	if err := e.p.fault().BindEventQueue; err != nil {
		return err
	}
	q, ok := eq.(*eventQueue)
	if !ok || q.p != e.p {
		return fi.ErrInvalid
	}
	e.mu.Lock()
	e.eq = q
	e.mu.Unlock()
	return nil
}

func (e *endpoint) BindCounter(cntr fi.CounterHandle) error {
	if err := e.p.fault().BindCounter; err != nil {
		return err
	}
	c, ok := cntr.(*counter)
	if !ok || c.p != e.p {
		return fi.ErrInvalid
	}
	e.mu.Lock()
	e.cntr = c
	e.mu.Unlock()
	return nil
}

func (e *endpoint) Enable() error {
	if err := e.p.fault().Enable; err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.eq == nil {
		return fi.ErrNoEQ
	}
	e.enabled = true
	return nil
}

func (e *endpoint) ready() (*eventQueue, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fi.ErrOpBadState
	}
	if !e.enabled {
		return nil, fi.ErrOpBadState
	}
	return e.eq, nil
}

// Connect delivers a connection request to the listener bound at dest. With
// no listener, the refusal is reported as an error entry on the endpoint's
// own queue, as a real fabric would report it asynchronously.
func (e *endpoint) Connect(dest netip.AddrPort, param []byte) error {
	eq, err := e.ready()
	if err != nil {
		return err
	}
	pep := e.p.lookup(dest)
	if pep == nil {
		eq.push(record{err: &fi.EventError{
			FID:         e.id,
			Err:         fi.ErrConnRefused,
			ProviderErr: int(fi.ErrConnRefused),
			Message:     "no listener at " + dest.String(),
		}})
		return nil
	}
	req := &connRequest{client: e, param: append([]byte(nil), param...)}
	info := pep.info
	info.DestAddr = netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), uint16(40000+e.id%20000))
	info.Handle = req
	size := EntrySize
	if e.p.fault().ShortConnReq {
		size = EntrySize / 2
	}
	if !pep.eq.Load().push(record{entry: fi.CMEntry{Event: fi.EventConnReq, FID: pep.id, Info: &info, Data: req.param}, size: size}) {
		return fi.ErrConnRefused
	}
	return nil
}

// Accept completes the request the endpoint was opened from and reports
// CONNECTED on both sides.
func (e *endpoint) Accept(param []byte) error {
	f := e.p.fault()
	if f.Accept != nil {
		return f.Accept
	}
	if e.req == nil {
		return fi.ErrInvalid
	}
	eq, err := e.ready()
	if err != nil {
		return err
	}
	client := e.req.client
	clientEQ, err := client.ready()
	if err != nil {
		return fi.ErrConnReset
	}

	entry := fi.CMEntry{Event: fi.EventConnected, FID: client.id, Data: append([]byte(nil), param...)}
	size := EntrySize
	if f.ShortConnected {
		size = EntrySize / 2
	}
	if f.ForeignConnected {
		entry.FID = client.id + 1000
	}
	if f.ShutdownOnAccept {
		entry.Event = fi.EventShutdown
	}
	clientEQ.push(record{entry: entry, size: size})
	eq.push(record{entry: fi.CMEntry{Event: fi.EventConnected, FID: e.id}, size: EntrySize})
	return nil
}

func (e *endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	e.p.closed("ep")
	return nil
}
