// Package registry tracks which observer sessions are watching which
// recipient address, and fans accepted messages out to them. It is the only
// shared mutable state between the SMTP listeners and the observer sessions.
package registry

import "sync"

// Subscriber receives published payloads. Deliver must not block: the
// registry calls it synchronously from Publish and a slow observer must not
// back-pressure the mail transaction that triggered the publish.
type Subscriber interface {
	Deliver(payload []byte)
}

// Registry maps recipient addresses to the subscribers watching them.
// Addresses are used exactly as received on the wire: case-sensitive, not
// normalized. A subscriber is registered under at most one address at a time.
type Registry struct {
	mu sync.Mutex

	// byAddress holds, per address, subscribers in subscription order.
	byAddress map[string][]Subscriber
	// watching holds each subscriber's current address, for O(1) moves.
	watching map[Subscriber]string
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byAddress: make(map[string][]Subscriber),
		watching:  make(map[Subscriber]string),
	}
}

// Subscribe registers sub under address. If sub is already watching a
// different address it is atomically moved; if it is already watching this
// address the call is a no-op.
func (r *Registry) Subscribe(sub Subscriber, address string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.watching[sub]; ok {
		if prev == address {
			return
		}
		r.removeLocked(sub, prev)
	}

	r.byAddress[address] = append(r.byAddress[address], sub)
	r.watching[sub] = address
}

// Unsubscribe removes sub from whatever address it currently watches.
// It is a no-op for a subscriber that is not registered, so every
// connection-close path may call it unconditionally.
func (r *Registry) Unsubscribe(sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	addr, ok := r.watching[sub]
	if !ok {
		return
	}
	r.removeLocked(sub, addr)
	delete(r.watching, sub)
}

// Publish delivers payload to every subscriber registered under address at
// the time of the call, each exactly once, and returns how many were
// delivered to. The subscriber set is snapshotted under the lock; delivery
// happens outside it so Deliver never runs inside the critical section. A
// subscriber unsubscribed concurrently with a Publish may still receive that
// publish's payload, so Deliver must tolerate being called after removal.
func (r *Registry) Publish(address string, payload []byte) int {
	r.mu.Lock()
	subs := make([]Subscriber, len(r.byAddress[address]))
	copy(subs, r.byAddress[address])
	r.mu.Unlock()

	for _, sub := range subs {
		sub.Deliver(payload)
	}
	return len(subs)
}

// Subscribers returns how many subscribers are currently watching address.
func (r *Registry) Subscribers(address string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byAddress[address])
}

// Addresses returns how many addresses currently have at least one
// subscriber.
func (r *Registry) Addresses() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byAddress)
}

// removeLocked removes sub from the set for addr, dropping the set entirely
// when it empties. Callers must hold r.mu.
func (r *Registry) removeLocked(sub Subscriber, addr string) {
	subs := r.byAddress[addr]
	for i, s := range subs {
		if s == sub {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(r.byAddress, addr)
	} else {
		r.byAddress[addr] = subs
	}
}
