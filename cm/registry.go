package cm

import (
	"iter"
	"sync"
	"time"

	fi "github.com/rocketbitz/fabricbench/fi"
)

// Peer is an accepted connection.
type Peer struct {
	// Seq is the 1-based acceptance order within the registry.
	Seq        uint64
	Endpoint   *fi.Endpoint
	Channel    *fi.EventChannel
	Info       fi.Info
	AcceptedAt time.Time
}

// State reports the state of the peer's endpoint.
func (p *Peer) State() fi.State {
	if p == nil {
		return fi.StateClosed
	}
	return p.Endpoint.State()
}

// Registry is the insertion-ordered set of accepted peers. Only the accept
// sequence appends to it; readers get snapshots and never block the acceptor
// for longer than a copy.
type Registry struct {
	mu    sync.RWMutex
	peers []*Peer
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) add(ep *fi.Endpoint, ch *fi.EventChannel) *Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	peer := &Peer{
		Seq:        uint64(len(r.peers)) + 1,
		Endpoint:   ep,
		Channel:    ch,
		Info:       ep.Info(),
		AcceptedAt: time.Now(),
	}
	r.peers = append(r.peers, peer)
	return peer
}

// Len returns the number of accepted peers.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Snapshot returns the accepted peers in acceptance order.
func (r *Registry) Snapshot() []*Peer {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Peer(nil), r.peers...)
}

// Get returns the peer with the given sequence number.
func (r *Registry) Get(seq uint64) (*Peer, bool) {
	if r == nil || seq == 0 {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if seq > uint64(len(r.peers)) {
		return nil, false
	}
	return r.peers[seq-1], true
}

// All iterates over a snapshot of the registry.
func (r *Registry) All() iter.Seq[*Peer] {
	peers := r.Snapshot()
	return func(yield func(*Peer) bool) {
		for _, p := range peers {
			if !yield(p) {
				return
			}
		}
	}
}
