package registry

import (
	"net/netip"
	"sort"
	"sync"

	"github.com/ops-relay/pkg/peer"
	"github.com/ops-relay/pkg/routing"
)

// Entry is a point-in-time copy of one registry slot.
type Entry struct {
	Key    string
	Writer *peer.Writer
}

type slot struct {
	w   *peer.Writer
	ip  netip.Addr
	seq uint64
}

// Registry maps connection keys ("ip:port") to the writer of the live
// connection. It is the only source of truth for who is connected.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]slot
	seq   uint64
}

// New creates an empty registry
func New() *Registry {
	return &Registry{conns: make(map[string]slot)}
}

// Register stores w under key, replacing any existing writer.
// The replaced writer, if any, is returned and left open.
func (r *Registry) Register(key string, w *peer.Writer) *peer.Writer {
	ip, _ := routing.KeyIP(key)

	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.conns[key]
	r.seq++
	r.conns[key] = slot{w: w, ip: ip, seq: r.seq}
	return prev.w
}

// Lookup returns the writer registered under key.
func (r *Registry) Lookup(key string) (*peer.Writer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.conns[key]
	return s.w, ok
}

// LookupByIP returns a connection whose key has the given IP. When several
// connections share the IP, the most recently registered one wins.
func (r *Registry) LookupByIP(ip netip.Addr) (string, *peer.Writer, bool) {
	if !ip.IsValid() {
		return "", nil, false
	}
	ip = ip.Unmap().WithZone("")

	r.mu.RLock()
	defer r.mu.RUnlock()
	var (
		bestKey string
		best    slot
	)
	for key, s := range r.conns {
		if s.ip != ip {
			continue
		}
		if best.w == nil || s.seq > best.seq {
			bestKey, best = key, s
		}
	}
	return bestKey, best.w, best.w != nil
}

// Resolve maps a message destination to a live writer. An exact key match
// is tried first. A bare IP destination then matches any connection from
// that IP; an ip:port destination only ever matches its own key.
func (r *Registry) Resolve(destination string) (string, *peer.Writer, bool) {
	if w, ok := r.Lookup(destination); ok {
		return destination, w, true
	}
	d, err := routing.ParseDestination(destination)
	if err != nil {
		return "", nil, false
	}
	if d.HasPort() {
		w, ok := r.Lookup(d.Key)
		if !ok {
			return "", nil, false
		}
		return d.Key, w, true
	}
	return r.LookupByIP(d.Addr)
}

// RemoveIf deletes key only if it still maps to w. A session whose key was
// taken over by a newer connection therefore cannot remove the newer entry.
func (r *Registry) RemoveIf(key string, w *peer.Writer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.conns[key]
	if !ok || s.w != w {
		return false
	}
	delete(r.conns, key)
	return true
}

// Snapshot returns all entries sorted by key.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	entries := make([]Entry, 0, len(r.conns))
	for key, s := range r.conns {
		entries = append(entries, Entry{Key: key, Writer: s.w})
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries
}

// SnapshotKeys returns all registered keys, sorted.
func (r *Registry) SnapshotKeys() []string {
	r.mu.RLock()
	keys := make([]string, 0, len(r.conns))
	for key := range r.conns {
		keys = append(keys, key)
	}
	r.mu.RUnlock()

	sort.Strings(keys)
	return keys
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
