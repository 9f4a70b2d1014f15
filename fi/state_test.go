package fi_test

import (
	"errors"
	"testing"

	fi "github.com/rocketbitz/fabricbench/fi"
)

func TestCanTransition(t *testing.T) {
	legal := []struct {
		role     fi.Role
		from, to fi.State
	}{
		{fi.RoleActive, fi.StateUninitialized, fi.StateInfoResolved},
		{fi.RoleActive, fi.StateInfoResolved, fi.StateDomainBound},
		{fi.RoleActive, fi.StateDomainBound, fi.StateQueueBound},
		{fi.RoleActive, fi.StateQueueBound, fi.StateEnabled},
		{fi.RoleActive, fi.StateEnabled, fi.StateConnecting},
		{fi.RoleActive, fi.StateConnecting, fi.StateConnected},
		{fi.RolePassive, fi.StateQueueBound, fi.StateListening},
		{fi.RolePassive, fi.StateListening, fi.StateClosed},
		{fi.RoleActive, fi.StateDomainBound, fi.StateClosed},
	}
	for _, tc := range legal {
		if !fi.CanTransition(tc.role, tc.from, tc.to) {
			t.Fatalf("%s: %s -> %s should be legal", tc.role, tc.from, tc.to)
		}
	}
	illegal := []struct {
		role     fi.Role
		from, to fi.State
	}{
		{fi.RoleActive, fi.StateDomainBound, fi.StateEnabled},
		{fi.RoleActive, fi.StateQueueBound, fi.StateListening},
		{fi.RolePassive, fi.StateQueueBound, fi.StateEnabled},
		{fi.RolePassive, fi.StateListening, fi.StateConnected},
		{fi.RoleActive, fi.StateEnabled, fi.StateConnected},
		{fi.RoleActive, fi.StateClosed, fi.StateClosed},
		{fi.RoleActive, fi.StateClosed, fi.StateEnabled},
	}
	for _, tc := range illegal {
		if fi.CanTransition(tc.role, tc.from, tc.to) {
			t.Fatalf("%s: %s -> %s should be illegal", tc.role, tc.from, tc.to)
		}
	}
}

func TestStateString(t *testing.T) {
	if fi.StateQueueBound.String() != "queue_bound" {
		t.Fatalf("unexpected name %q", fi.StateQueueBound.String())
	}
	if fi.State(200).String() != "unknown" {
		t.Fatalf("unexpected name for unknown state")
	}
	if fi.RolePassive.String() != "passive" || fi.RoleActive.String() != "active" {
		t.Fatalf("unexpected role names")
	}
}

func TestErrnoStrings(t *testing.T) {
	if fi.ErrConnRefused.Error() != "Connection refused" {
		t.Fatalf("unexpected text %q", fi.ErrConnRefused.Error())
	}
	if fi.Errno(9999).String() != "Unknown error 9999" {
		t.Fatalf("unexpected text for unknown errno: %q", fi.Errno(9999).String())
	}
	if fi.ErrorFromStatus(0, "op") != nil || fi.ErrorFromStatus(24, "op") != nil {
		t.Fatalf("non-negative status should be success")
	}
	err := fi.ErrorFromStatus(-int(fi.ErrAgain), "fi_eq_sread")
	if !errors.Is(err, fi.ErrAgain) || err.Error() != "fi_eq_sread: Resource temporarily unavailable" {
		t.Fatalf("unexpected status error %v", err)
	}
}

func TestErrorMatchesKindAndCause(t *testing.T) {
	err := &fi.Error{Kind: fi.ErrQueueBindFailed, Op: "bind counter", Errno: fi.ErrNoCQ, Err: fi.ErrNoCQ, Detail: "cntr"}
	if !errors.Is(err, fi.ErrQueueBindFailed) || !errors.Is(err, fi.ErrNoCQ) {
		t.Fatalf("expected error to match kind and cause")
	}
	if errors.Is(err, fi.ErrEnableFailed) {
		t.Fatalf("error must not match an unrelated kind")
	}
	want := "bind counter: libfabric: queue bind failed: Missing or unavailable completion queue (cntr)"
	if err.Error() != want {
		t.Fatalf("unexpected message\n got %q\nwant %q", err.Error(), want)
	}
	if fi.ErrnoOf(err) != fi.ErrNoCQ {
		t.Fatalf("ErrnoOf should find the cause")
	}
	if fi.ErrnoOf(errors.New("plain")) != fi.Success {
		t.Fatalf("ErrnoOf should report success for errors without errno")
	}
}
