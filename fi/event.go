package fi

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Infinite makes Read wait until an event arrives, the context is cancelled
// or the channel is closed.
const Infinite time.Duration = -1

// pollInterval bounds each provider read so cancellation is observed promptly.
const pollInterval = 100 * time.Millisecond

// EventKind mirrors the connection-management event codes of <rdma/fi_eq.h>.
type EventKind uint32

const (
	EventNotify EventKind = iota
	EventConnReq
	EventConnected
	EventShutdown
)

func (k EventKind) String() string {
	switch k {
	case EventNotify:
		return "notify"
	case EventConnReq:
		return "connreq"
	case EventConnected:
		return "connected"
	case EventShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("event(%d)", uint32(k))
	}
}

// EventQueueAttr controls event queue creation.
type EventQueueAttr struct {
	Size  int
	Flags uint64
}

// ConnectionEvent represents a connection-management event. Info is set on
// connection requests and describes the endpoint to create for the peer.
type ConnectionEvent struct {
	Kind EventKind
	FID  FID
	Info *Info
	Data []byte
}

// EventError captures event queue error information.
type EventError struct {
	FID         FID
	Data        uint64
	Err         Errno
	ProviderErr int
	Message     string
}

func (e *EventError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Message != "" {
		return fmt.Sprintf("%s (prov_errno=%d: %s)", e.Err, e.ProviderErr, e.Message)
	}
	return fmt.Sprintf("%s (prov_errno=%d)", e.Err, e.ProviderErr)
}

// Unwrap exposes the provider errno.
func (e *EventError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ShortReadError reports an event entry smaller than a connection-management entry.
type ShortReadError struct {
	Got  int
	Want int
}

func (e *ShortReadError) Error() string {
	return fmt.Sprintf("libfabric: short event read: got %d bytes, want %d", e.Got, e.Want)
}

// Unwrap lets errors.Is match ErrShortRead.
func (e *ShortReadError) Unwrap() error {
	return ErrShortRead
}

// EventChannel owns one event queue opened on a context's fabric.
type EventChannel struct {
	fc     *FabricContext
	mu     sync.Mutex
	handle EventQueueHandle
	closed atomic.Bool
}

// OpenEventChannel opens an event queue on the context's fabric.
func (fc *FabricContext) OpenEventChannel(attr *EventQueueAttr) (*EventChannel, error) {
	if fc == nil {
		return nil, ErrInvalidHandle{"fabric"}
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if err := fc.live(); err != nil {
		return nil, err
	}
	var a EventQueueAttr
	if attr != nil {
		a = *attr
	}
	eq, err := fc.fabric.OpenEventQueue(a)
	if err != nil {
		return nil, newError(ErrQueueBindFailed, "open event queue", err)
	}
	ch := &EventChannel{fc: fc, handle: eq}
	fc.channels = append(fc.channels, ch)
	return ch, nil
}

// Bind attaches the endpoint to this channel. It is equivalent to ep.BindEventChannel(ch).
func (ch *EventChannel) Bind(ep *Endpoint) error {
	if ep == nil {
		return ErrInvalidHandle{"endpoint"}
	}
	return ep.BindEventChannel(ch)
}

// Read waits for the next connection-management event. A timeout of zero
// polls once, Infinite waits without a deadline. An entry shorter than the
// provider's connection-management entry yields a *ShortReadError; a pending
// error entry surfaces as ErrAvail and should be drained with ReadError.
func (ch *EventChannel) Read(ctx context.Context, timeout time.Duration) (*ConnectionEvent, error) {
	if ch == nil {
		return nil, ErrInvalidHandle{"event queue"}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		slice := pollInterval
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining < 0 {
				remaining = 0
			}
			if remaining < slice {
				slice = remaining
			}
		}
		evt, err := ch.readOnce(slice)
		if err == nil {
			return evt, nil
		}
		if !errors.Is(err, ErrNoEvent) {
			return nil, err
		}
		if timeout == 0 {
			return nil, ErrNoEvent
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return nil, ErrTimeout
		}
	}
}

func (ch *EventChannel) readOnce(timeout time.Duration) (*ConnectionEvent, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed.Load() || ch.handle == nil {
		return nil, ErrClosed
	}
	entry, n, err := ch.handle.SRead(timeout)
	if err != nil {
		err = translateErr(err, ErrNoEvent)
		if errors.Is(err, ErrTimeout) {
			return nil, ErrNoEvent
		}
		return nil, err
	}
	if want := ch.handle.EntrySize(); n < want {
		return nil, &ShortReadError{Got: n, Want: want}
	}
	return &ConnectionEvent{Kind: entry.Event, FID: entry.FID, Info: entry.Info, Data: entry.Data}, nil
}

// ReadError returns the pending error entry with the provider code and message.
func (ch *EventChannel) ReadError() (*EventError, error) {
	if ch == nil {
		return nil, ErrInvalidHandle{"event queue"}
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed.Load() || ch.handle == nil {
		return nil, ErrInvalidHandle{"event queue"}
	}
	entry, err := ch.handle.ReadErr()
	if err != nil {
		return nil, translateErr(err, ErrNoEvent)
	}
	return &entry, nil
}

// Close releases the event queue. A Read blocked on the channel returns within
// one poll interval.
func (ch *EventChannel) Close() error {
	if ch == nil {
		return nil
	}
	if !ch.closed.CompareAndSwap(false, true) {
		return nil
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.handle == nil {
		return nil
	}
	err := ch.handle.Close()
	ch.handle = nil
	return err
}
