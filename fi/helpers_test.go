package fi_test

import (
	"strings"
	"testing"

	fi "github.com/rocketbitz/fabricbench/fi"
	"github.com/rocketbitz/fabricbench/fi/mock"
)

// newProvider registers a private mock provider so fault injection stays local to the test.
func newProvider(t *testing.T, caps uint64) *mock.Provider {
	t.Helper()
	p := mock.New("test-"+strings.ReplaceAll(t.Name(), "/", "-"), caps)
	fi.Register(p)
	t.Cleanup(func() { fi.Deregister(p.Name()) })
	return p
}

func openContext(t *testing.T, p *mock.Provider, port int, source bool) *fi.FabricContext {
	t.Helper()
	info, err := fi.QueryAddress(p.Name(), fi.EndpointTypeMsg, "127.0.0.1", port, source)
	if err != nil {
		t.Fatalf("QueryAddress failed: %v", err)
	}
	fc, err := fi.Open(info)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = fc.Close() })
	return fc
}

// listen brings a passive endpoint to LISTENING on port and returns it with its channel.
func listen(t *testing.T, p *mock.Provider, port int) (*fi.FabricContext, *fi.Endpoint, *fi.EventChannel) {
	t.Helper()
	fc := openContext(t, p, port, true)
	pep, err := fc.NewEndpoint(fc.Info(), fi.RolePassive)
	if err != nil {
		t.Fatalf("NewEndpoint(passive) failed: %v", err)
	}
	ch, err := fc.OpenEventChannel(nil)
	if err != nil {
		t.Fatalf("OpenEventChannel failed: %v", err)
	}
	if err := ch.Bind(pep); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if err := pep.Listen(); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	return fc, pep, ch
}

// dial brings an active endpoint to CONNECTING against port.
func dial(t *testing.T, p *mock.Provider, port int) (*fi.FabricContext, *fi.Endpoint) {
	t.Helper()
	fc := openContext(t, p, port, false)
	ep, err := fc.NewEndpoint(fc.Info(), fi.RoleActive)
	if err != nil {
		t.Fatalf("NewEndpoint(active) failed: %v", err)
	}
	ch, err := fc.OpenEventChannel(nil)
	if err != nil {
		t.Fatalf("OpenEventChannel failed: %v", err)
	}
	if err := ep.BindEventChannel(ch); err != nil {
		t.Fatalf("BindEventChannel failed: %v", err)
	}
	if err := ep.Enable(); err != nil {
		t.Fatalf("Enable failed: %v", err)
	}
	if err := ep.Connect(nil); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	return fc, ep
}
