package gateway

import (
	"hash/fnv"
	"sync"
)

// shardCount is the number of lock stripes in the registry. Bindings for a
// user always land on the same shard, so same-device displacement is atomic
// without a global lock.
const shardCount = 64

type registryShard struct {
	mu    sync.RWMutex
	users map[string]map[string]*Session
}

// Registry tracks (user, device) → session bindings for this node. At most
// one session exists per (user, device); a new login for the same device
// displaces the old session. Different devices of one user coexist.
type Registry struct {
	shards [shardCount]registryShard
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].users = make(map[string]map[string]*Session)
	}
	return r
}

func (r *Registry) shardFor(userID string) *registryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &r.shards[h.Sum32()%shardCount]
}

// Bind registers the session and returns the same-device session it
// displaced, if any. The displaced session is already removed from the
// registry when Bind returns; notifying and closing it is the caller's job.
func (r *Registry) Bind(s *Session) *Session {
	sh := r.shardFor(s.userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	devices, ok := sh.users[s.userID]
	if !ok {
		devices = make(map[string]*Session)
		sh.users[s.userID] = devices
	}
	displaced := devices[s.deviceID]
	devices[s.deviceID] = s
	return displaced
}

// Unbind removes the session and reports whether it was still the current
// binding. A session displaced by a newer login is no longer current and
// Unbind returns false without touching the successor.
func (r *Registry) Unbind(s *Session) bool {
	sh := r.shardFor(s.userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	devices, ok := sh.users[s.userID]
	if !ok {
		return false
	}
	current, ok := devices[s.deviceID]
	if !ok || current != s {
		return false
	}
	delete(devices, s.deviceID)
	if len(devices) == 0 {
		delete(sh.users, s.userID)
	}
	return true
}

// Get returns the session bound to (userID, deviceID), if any.
func (r *Registry) Get(userID, deviceID string) (*Session, bool) {
	sh := r.shardFor(userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.users[userID][deviceID]
	return s, ok
}

// SessionsFor returns every local session of the user.
func (r *Registry) SessionsFor(userID string) []*Session {
	sh := r.shardFor(userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	devices := sh.users[userID]
	if len(devices) == 0 {
		return nil
	}
	sessions := make([]*Session, 0, len(devices))
	for _, s := range devices {
		sessions = append(sessions, s)
	}
	return sessions
}

// Count returns the number of live sessions on this node.
func (r *Registry) Count() int {
	total := 0
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		for _, devices := range sh.users {
			total += len(devices)
		}
		sh.mu.RUnlock()
	}
	return total
}

// Each calls fn for every session on this node. The snapshot is taken per
// shard so fn never runs under a registry lock.
func (r *Registry) Each(fn func(*Session)) {
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		snapshot := make([]*Session, 0)
		for _, devices := range sh.users {
			for _, s := range devices {
				snapshot = append(snapshot, s)
			}
		}
		sh.mu.RUnlock()
		for _, s := range snapshot {
			fn(s)
		}
	}
}
