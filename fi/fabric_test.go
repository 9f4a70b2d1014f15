package fi_test

import (
	"errors"
	"reflect"
	"testing"

	fi "github.com/rocketbitz/fabricbench/fi"
	"github.com/rocketbitz/fabricbench/fi/mock"
)

func TestOpenFabricFailure(t *testing.T) {
	p := newProvider(t, mock.RDMACaps)
	p.SetFaults(mock.Faults{FabricOpen: fi.ErrNoMemory})
	info, err := fi.Query(fi.WithProvider(p.Name()))
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	_, err = fi.Open(info)
	if !errors.Is(err, fi.ErrFabricOpenFailed) {
		t.Fatalf("expected ErrFabricOpenFailed, got %v", err)
	}
	var ferr *fi.Error
	if !errors.As(err, &ferr) || ferr.Errno != fi.ErrNoMemory {
		t.Fatalf("expected provider errno %d, got %v", fi.ErrNoMemory, err)
	}
	if !errors.Is(err, fi.ErrNoMemory) {
		t.Fatalf("expected error to match the provider errno")
	}
}

func TestOpenDomainFailureReleasesFabric(t *testing.T) {
	p := newProvider(t, mock.RDMACaps)
	p.SetFaults(mock.Faults{DomainOpen: fi.ErrNoDevice})
	info, err := fi.Query(fi.WithProvider(p.Name()))
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	_, err = fi.Open(info)
	if !errors.Is(err, fi.ErrDomainOpenFailed) {
		t.Fatalf("expected ErrDomainOpenFailed, got %v", err)
	}
	if fi.ErrnoOf(err) != fi.ErrNoDevice {
		t.Fatalf("expected errno %d, got %d", fi.ErrNoDevice, fi.ErrnoOf(err))
	}
	if live := p.Live(""); live != 0 {
		t.Fatalf("expected no live handles after failed open, got %d", live)
	}
}

func TestOpenUnregisteredProvider(t *testing.T) {
	if _, err := fi.Open(fi.Info{Provider: "gone"}); !errors.Is(err, fi.ErrNoProviderMatch) {
		t.Fatalf("expected ErrNoProviderMatch, got %v", err)
	}
}

func TestFabricContextCloseOrder(t *testing.T) {
	p := newProvider(t, mock.RDMACaps)
	fc, pep, _ := listen(t, p, 7000)

	ep, err := fc.NewEndpoint(fc.Info(), fi.RoleActive)
	if err != nil {
		t.Fatalf("NewEndpoint failed: %v", err)
	}
	ch, err := fc.OpenEventChannel(&fi.EventQueueAttr{Size: 8})
	if err != nil {
		t.Fatalf("OpenEventChannel failed: %v", err)
	}
	if err := ep.BindEventChannel(ch); err != nil {
		t.Fatalf("BindEventChannel failed: %v", err)
	}
	if _, err := fi.RegisterMemory(fc, make([]byte, 128), fi.MRAccessRead|fi.MRAccessWrite); err != nil {
		t.Fatalf("RegisterMemory failed: %v", err)
	}

	p.Reset()
	if err := fc.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	want := []string{"ep", "mr", "cntr", "pep", "eq", "eq", "mr", "domain", "fabric"}
	if got := p.CloseLog(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected close order\n got %v\nwant %v", got, want)
	}
	if live := p.Live(""); live != 0 {
		t.Fatalf("expected every handle released, %d live", live)
	}
	if ep.State() != fi.StateClosed || pep.State() != fi.StateClosed {
		t.Fatalf("expected endpoints closed, got %s and %s", ep.State(), pep.State())
	}
	if err := fc.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got %v", err)
	}
	if _, err := fc.NewEndpoint(fc.Info(), fi.RoleActive); err == nil {
		t.Fatalf("expected error creating an endpoint on a closed context")
	}
	if _, err := fc.OpenEventChannel(nil); err == nil {
		t.Fatalf("expected error opening a channel on a closed context")
	}
}
