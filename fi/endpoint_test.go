package fi_test

import (
	"context"
	"errors"
	"testing"
	"time"

	fi "github.com/rocketbitz/fabricbench/fi"
	"github.com/rocketbitz/fabricbench/fi/mock"
)

func TestEndpointLifecycleStates(t *testing.T) {
	p := newProvider(t, mock.RDMACaps)
	fc := openContext(t, p, 7100, false)

	ep, err := fc.NewEndpoint(fc.Info(), fi.RoleActive)
	if err != nil {
		t.Fatalf("NewEndpoint failed: %v", err)
	}
	if got := ep.State(); got != fi.StateDomainBound {
		t.Fatalf("expected %s, got %s", fi.StateDomainBound, got)
	}
	if err := ep.Enable(); !errors.Is(err, fi.ErrBadState) {
		t.Fatalf("enable before binding should fail with ErrBadState, got %v", err)
	}
	if err := ep.Listen(); !errors.Is(err, fi.ErrBadState) {
		t.Fatalf("listen on an active endpoint should fail with ErrBadState, got %v", err)
	}

	ch, err := fc.OpenEventChannel(nil)
	if err != nil {
		t.Fatalf("OpenEventChannel failed: %v", err)
	}
	if err := ch.Bind(ep); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if got := ep.State(); got != fi.StateQueueBound {
		t.Fatalf("expected %s, got %s", fi.StateQueueBound, got)
	}
	if ep.Channel() != ch {
		t.Fatalf("expected endpoint to report its bound channel")
	}
	if err := ep.Connect(nil); !errors.Is(err, fi.ErrBadState) {
		t.Fatalf("connect before enable should fail with ErrBadState, got %v", err)
	}
	if err := ep.Enable(); err != nil {
		t.Fatalf("Enable failed: %v", err)
	}
	if got := ep.State(); got != fi.StateEnabled {
		t.Fatalf("expected %s, got %s", fi.StateEnabled, got)
	}
	if err := ep.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if got := ep.State(); got != fi.StateClosed {
		t.Fatalf("expected %s, got %s", fi.StateClosed, got)
	}
	if err := ep.Enable(); !errors.Is(err, fi.ErrBadState) {
		t.Fatalf("enable after close should fail with ErrBadState, got %v", err)
	}
}

func TestPassiveEndpointListens(t *testing.T) {
	p := newProvider(t, mock.RDMACaps)
	_, pep, _ := listen(t, p, 7101)
	if pep.Role() != fi.RolePassive {
		t.Fatalf("expected passive role, got %s", pep.Role())
	}
	if got := pep.State(); got != fi.StateListening {
		t.Fatalf("expected %s, got %s", fi.StateListening, got)
	}
	if pep.MemoryRegion() != nil || pep.Counter() != nil {
		t.Fatalf("passive endpoints never own a memory region or counter")
	}
	if err := pep.Enable(); !errors.Is(err, fi.ErrBadState) {
		t.Fatalf("enable on a passive endpoint should fail with ErrBadState, got %v", err)
	}
	if err := pep.Connect(nil); !errors.Is(err, fi.ErrBadState) {
		t.Fatalf("connect on a passive endpoint should fail with ErrBadState, got %v", err)
	}
}

func TestListenAddressInUse(t *testing.T) {
	p := newProvider(t, mock.RDMACaps)
	listen(t, p, 7102)

	fc := openContext(t, p, 7102, true)
	pep, err := fc.NewEndpoint(fc.Info(), fi.RolePassive)
	if err != nil {
		t.Fatalf("NewEndpoint failed: %v", err)
	}
	ch, err := fc.OpenEventChannel(nil)
	if err != nil {
		t.Fatalf("OpenEventChannel failed: %v", err)
	}
	if err := pep.BindEventChannel(ch); err != nil {
		t.Fatalf("BindEventChannel failed: %v", err)
	}
	err = pep.Listen()
	if !errors.Is(err, fi.ErrAddrInUse) {
		t.Fatalf("expected address in use, got %v", err)
	}
	if pep.State() != fi.StateQueueBound {
		t.Fatalf("failed listen must not change state, got %s", pep.State())
	}
}

func TestCapabilityFallback(t *testing.T) {
	t.Run("rma", func(t *testing.T) {
		p := newProvider(t, mock.RDMACaps)
		fc := openContext(t, p, 7110, false)
		ep, err := fc.NewEndpoint(fc.Info(), fi.RoleActive)
		if err != nil {
			t.Fatalf("NewEndpoint failed: %v", err)
		}
		ch, err := fc.OpenEventChannel(nil)
		if err != nil {
			t.Fatalf("OpenEventChannel failed: %v", err)
		}
		if err := ep.BindEventChannel(ch); err != nil {
			t.Fatalf("BindEventChannel failed: %v", err)
		}
		mr := ep.MemoryRegion()
		if mr == nil || ep.Counter() == nil {
			t.Fatalf("RMA endpoint should own a memory region and a counter")
		}
		if mr.Size() != fi.DefaultRegionSize {
			t.Fatalf("expected %d byte region, got %d", fi.DefaultRegionSize, mr.Size())
		}
		if mr.Access() != fi.MRAccessAll {
			t.Fatalf("expected full access, got %#x", mr.Access())
		}
		if p.Live("mr") != 1 || p.Live("cntr") != 1 {
			t.Fatalf("expected one region and one counter, got %d/%d", p.Live("mr"), p.Live("cntr"))
		}
	})
	t.Run("msg", func(t *testing.T) {
		p := newProvider(t, mock.MsgCaps)
		fc := openContext(t, p, 7111, false)
		ep, err := fc.NewEndpoint(fc.Info(), fi.RoleActive)
		if err != nil {
			t.Fatalf("NewEndpoint failed: %v", err)
		}
		ch, err := fc.OpenEventChannel(nil)
		if err != nil {
			t.Fatalf("OpenEventChannel failed: %v", err)
		}
		if err := ep.BindEventChannel(ch); err != nil {
			t.Fatalf("BindEventChannel failed: %v", err)
		}
		if ep.MemoryRegion() != nil || ep.Counter() != nil {
			t.Fatalf("message-only endpoint must not own a memory region or counter")
		}
		if p.Live("mr") != 0 || p.Live("cntr") != 0 {
			t.Fatalf("no region or counter should be opened, got %d/%d", p.Live("mr"), p.Live("cntr"))
		}
	})
}

func TestBindFailures(t *testing.T) {
	cases := []struct {
		name   string
		faults mock.Faults
		kind   error
		errno  fi.Errno
	}{
		{"event queue", mock.Faults{BindEventQueue: fi.ErrNoEQ}, fi.ErrQueueBindFailed, fi.ErrNoEQ},
		{"counter open", mock.Faults{CounterOpen: fi.ErrNoMemory}, fi.ErrQueueBindFailed, fi.ErrNoMemory},
		{"counter bind", mock.Faults{BindCounter: fi.ErrInvalid}, fi.ErrQueueBindFailed, fi.ErrInvalid},
		{"region size", mock.Faults{MaxRegion: 4096}, fi.ErrRegistrationFailed, fi.ErrInvalid},
		{"region access", mock.Faults{DenyAccess: fi.MRAccessRemoteWrite}, fi.ErrRegistrationFailed, fi.ErrAccess},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := newProvider(t, mock.RDMACaps)
			fc := openContext(t, p, 7120+i, false)
			ep, err := fc.NewEndpoint(fc.Info(), fi.RoleActive)
			if err != nil {
				t.Fatalf("NewEndpoint failed: %v", err)
			}
			ch, err := fc.OpenEventChannel(nil)
			if err != nil {
				t.Fatalf("OpenEventChannel failed: %v", err)
			}
			p.SetFaults(tc.faults)
			err = ep.BindEventChannel(ch)
			if !errors.Is(err, tc.kind) {
				t.Fatalf("expected %v, got %v", tc.kind, err)
			}
			if got := fi.ErrnoOf(err); got != tc.errno {
				t.Fatalf("expected errno %d, got %d", tc.errno, got)
			}
			if ep.State() != fi.StateDomainBound {
				t.Fatalf("failed bind must not advance state, got %s", ep.State())
			}
			if ep.Counter() != nil || ep.MemoryRegion() != nil {
				t.Fatalf("failed bind must not leave RMA resources on the endpoint")
			}
			if live := p.Live("mr") + p.Live("cntr"); live != 0 {
				t.Fatalf("failed bind left %d counters and regions open", live)
			}
			if err := ep.Close(); err != nil {
				t.Fatalf("Close failed: %v", err)
			}
			if live := p.Live("mr") + p.Live("cntr") + p.Live("ep"); live != 0 {
				t.Fatalf("closing the endpoint should release partial resources, %d live", live)
			}
		})
	}
}

func TestBindRetryAfterRegionFailure(t *testing.T) {
	p := newProvider(t, mock.RDMACaps)
	info, err := fi.QueryAddress(p.Name(), fi.EndpointTypeMsg, "127.0.0.1", 7126, false)
	if err != nil {
		t.Fatalf("QueryAddress failed: %v", err)
	}
	fc, err := fi.Open(info)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	ep, err := fc.NewEndpoint(info, fi.RoleActive)
	if err != nil {
		t.Fatalf("NewEndpoint failed: %v", err)
	}
	ch, err := fc.OpenEventChannel(nil)
	if err != nil {
		t.Fatalf("OpenEventChannel failed: %v", err)
	}

	p.SetFaults(mock.Faults{MaxRegion: 1024})
	for i := 0; i < 3; i++ {
		if err := ep.BindEventChannel(ch); !errors.Is(err, fi.ErrRegistrationFailed) {
			t.Fatalf("attempt %d: expected ErrRegistrationFailed, got %v", i, err)
		}
	}
	p.SetFaults(mock.Faults{})
	if err := ep.BindEventChannel(ch); err != nil {
		t.Fatalf("BindEventChannel retry failed: %v", err)
	}
	if p.Live("cntr") != 1 || p.Live("mr") != 1 {
		t.Fatalf("expected one counter and one region, got %d/%d", p.Live("cntr"), p.Live("mr"))
	}
	if err := fc.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if live := p.Live(""); live != 0 {
		t.Fatalf("context close left %d objects open", live)
	}
}

func TestEndpointCreateAndEnableFailures(t *testing.T) {
	p := newProvider(t, mock.RDMACaps)
	fc := openContext(t, p, 7130, false)

	p.SetFaults(mock.Faults{EndpointOpen: fi.ErrNoMemory})
	if _, err := fc.NewEndpoint(fc.Info(), fi.RoleActive); !errors.Is(err, fi.ErrEndpointCreateFailed) {
		t.Fatalf("expected ErrEndpointCreateFailed, got %v", err)
	}

	p.SetFaults(mock.Faults{Enable: fi.ErrOpBadState})
	ep, err := fc.NewEndpoint(fc.Info(), fi.RoleActive)
	if err != nil {
		t.Fatalf("NewEndpoint failed: %v", err)
	}
	ch, err := fc.OpenEventChannel(nil)
	if err != nil {
		t.Fatalf("OpenEventChannel failed: %v", err)
	}
	if err := ep.BindEventChannel(ch); err != nil {
		t.Fatalf("BindEventChannel failed: %v", err)
	}
	err = ep.Enable()
	if !errors.Is(err, fi.ErrEnableFailed) || !errors.Is(err, fi.ErrOpBadState) {
		t.Fatalf("expected ErrEnableFailed carrying the provider errno, got %v", err)
	}
	if ep.State() != fi.StateQueueBound {
		t.Fatalf("failed enable must not advance state, got %s", ep.State())
	}
}

func TestBindForeignChannel(t *testing.T) {
	p := newProvider(t, mock.RDMACaps)
	fc := openContext(t, p, 7131, false)
	other := openContext(t, p, 7132, false)
	ep, err := fc.NewEndpoint(fc.Info(), fi.RoleActive)
	if err != nil {
		t.Fatalf("NewEndpoint failed: %v", err)
	}
	ch, err := other.OpenEventChannel(nil)
	if err != nil {
		t.Fatalf("OpenEventChannel failed: %v", err)
	}
	if err := ep.BindEventChannel(ch); !errors.Is(err, fi.ErrQueueBindFailed) {
		t.Fatalf("expected ErrQueueBindFailed for a channel of another context, got %v", err)
	}
}

func TestHandshake(t *testing.T) {
	p := newProvider(t, mock.RDMACaps)
	srv, pep, lch := listen(t, p, 7140)
	_, client := dial(t, p, 7140)
	if client.State() != fi.StateConnecting {
		t.Fatalf("expected %s, got %s", fi.StateConnecting, client.State())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	evt, err := lch.Read(ctx, fi.Infinite)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if evt.Kind != fi.EventConnReq || evt.FID != pep.ID() || evt.Info == nil {
		t.Fatalf("unexpected event %+v", evt)
	}

	peer, err := srv.NewEndpoint(*evt.Info, fi.RoleActive)
	if err != nil {
		t.Fatalf("NewEndpoint(peer) failed: %v", err)
	}
	if peer == pep || peer.ID() == pep.ID() {
		t.Fatalf("accepted endpoint must be distinct from the listening endpoint")
	}
	pch, err := srv.OpenEventChannel(nil)
	if err != nil {
		t.Fatalf("OpenEventChannel failed: %v", err)
	}
	if err := peer.BindEventChannel(pch); err != nil {
		t.Fatalf("BindEventChannel failed: %v", err)
	}
	if err := peer.Enable(); err != nil {
		t.Fatalf("Enable failed: %v", err)
	}
	if err := peer.Accept(nil); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if err := peer.AwaitConnected(ctx, time.Second); err != nil {
		t.Fatalf("peer AwaitConnected failed: %v", err)
	}
	if err := client.AwaitConnected(ctx, time.Second); err != nil {
		t.Fatalf("client AwaitConnected failed: %v", err)
	}
	if client.State() != fi.StateConnected || peer.State() != fi.StateConnected {
		t.Fatalf("expected both sides connected, got %s / %s", client.State(), peer.State())
	}
	if pep.State() != fi.StateListening {
		t.Fatalf("listening endpoint must stay listening, got %s", pep.State())
	}
}

func TestAwaitConnectedRefused(t *testing.T) {
	p := newProvider(t, mock.RDMACaps)
	_, client := dial(t, p, 7150)

	err := client.AwaitConnected(context.Background(), time.Second)
	if !errors.Is(err, fi.ErrConnectionFailed) {
		t.Fatalf("expected ErrConnectionFailed, got %v", err)
	}
	var ferr *fi.Error
	if !errors.As(err, &ferr) {
		t.Fatalf("expected *fi.Error, got %T", err)
	}
	if ferr.Errno != fi.ErrConnRefused || ferr.Detail == "" {
		t.Fatalf("expected refused errno with provider detail, got errno=%d detail=%q", ferr.Errno, ferr.Detail)
	}
	if client.State() != fi.StateConnecting {
		t.Fatalf("failed wait must leave the endpoint connecting, got %s", client.State())
	}
}

func acceptOne(t *testing.T, srv *fi.FabricContext, lch *fi.EventChannel) *fi.Endpoint {
	t.Helper()
	evt, err := lch.Read(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	peer, err := srv.NewEndpoint(*evt.Info, fi.RoleActive)
	if err != nil {
		t.Fatalf("NewEndpoint failed: %v", err)
	}
	pch, err := srv.OpenEventChannel(nil)
	if err != nil {
		t.Fatalf("OpenEventChannel failed: %v", err)
	}
	if err := peer.BindEventChannel(pch); err != nil {
		t.Fatalf("BindEventChannel failed: %v", err)
	}
	if err := peer.Enable(); err != nil {
		t.Fatalf("Enable failed: %v", err)
	}
	if err := peer.Accept(nil); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	return peer
}

func TestAwaitConnectedMalformed(t *testing.T) {
	cases := []struct {
		name   string
		faults mock.Faults
		kind   error
	}{
		{"short read", mock.Faults{ShortConnected: true}, fi.ErrConnectionFailed},
		{"foreign fid", mock.Faults{ForeignConnected: true}, fi.ErrUnexpectedConnectionEvent},
		{"shutdown", mock.Faults{ShutdownOnAccept: true}, fi.ErrUnexpectedConnectionEvent},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := newProvider(t, mock.RDMACaps)
			port := 7160 + i
			srv, _, lch := listen(t, p, port)
			_, client := dial(t, p, port)
			p.SetFaults(tc.faults)
			acceptOne(t, srv, lch)

			err := client.AwaitConnected(context.Background(), time.Second)
			if !errors.Is(err, tc.kind) {
				t.Fatalf("expected %v, got %v", tc.kind, err)
			}
			if client.State() == fi.StateConnected {
				t.Fatalf("malformed event must not connect the endpoint")
			}
		})
	}
}

func TestAwaitConnectedShortReadIsShortRead(t *testing.T) {
	p := newProvider(t, mock.RDMACaps)
	srv, _, lch := listen(t, p, 7170)
	_, client := dial(t, p, 7170)
	p.SetFaults(mock.Faults{ShortConnected: true})
	acceptOne(t, srv, lch)

	err := client.AwaitConnected(context.Background(), time.Second)
	var short *fi.ShortReadError
	if !errors.As(err, &short) {
		t.Fatalf("expected a *fi.ShortReadError in the chain, got %v", err)
	}
	if short.Got >= short.Want {
		t.Fatalf("short read should report fewer bytes than wanted: %+v", short)
	}
}

func TestAwaitConnectedTimeout(t *testing.T) {
	p := newProvider(t, mock.RDMACaps)
	listen(t, p, 7171)
	_, client := dial(t, p, 7171)

	err := client.AwaitConnected(context.Background(), 150*time.Millisecond)
	if !errors.Is(err, fi.ErrConnectionFailed) || !errors.Is(err, fi.ErrTimeout) {
		t.Fatalf("expected connection failure caused by timeout, got %v", err)
	}
}

func TestRegisterMemoryDirect(t *testing.T) {
	p := newProvider(t, mock.MsgCaps)
	fc := openContext(t, p, 7180, false)

	mr, err := fi.RegisterMemory(fc, make([]byte, 4096), fi.MRAccessRead|fi.MRAccessWrite)
	if err != nil {
		t.Fatalf("RegisterMemory failed: %v", err)
	}
	if mr.Key() == 0 || mr.Size() != 4096 || len(mr.Bytes()) != 4096 {
		t.Fatalf("unexpected region key=%d size=%d", mr.Key(), mr.Size())
	}
	if _, err := fi.RegisterMemory(fc, make([]byte, 4096), fi.MRAccessRemoteRead); !errors.Is(err, fi.ErrRegistrationFailed) {
		t.Fatalf("message-only provider should reject remote access, got %v", err)
	}
	if _, err := fi.RegisterMemory(fc, nil, fi.MRAccessRead); !errors.Is(err, fi.ErrRegistrationFailed) {
		t.Fatalf("expected ErrRegistrationFailed for an empty buffer, got %v", err)
	}
	if _, err := fi.RegisterMemory(nil, make([]byte, 1), fi.MRAccessRead); err == nil {
		t.Fatalf("expected error for a nil context")
	}
	if err := mr.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := mr.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got %v", err)
	}
}
