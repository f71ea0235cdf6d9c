package gateway

import (
	"hash/fnv"
	"sync"

	"github.com/emberchat/relay/internal/logging"
)

const shardCount = 32

// Registry maps each identity to its single live connection handle. The map
// is sharded by identity hash so connects and lookups on different
// identities rarely contend on the same lock.
type Registry struct {
	shards [shardCount]regShard
	log    *logging.Logger
}

type regShard struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewRegistry creates an empty connection registry.
func NewRegistry(log *logging.Logger) *Registry {
	r := &Registry{log: log}
	for i := range r.shards {
		r.shards[i].conns = make(map[string]*Conn)
	}
	return r
}

func (r *Registry) shard(identity string) *regShard {
	h := fnv.New32a()
	h.Write([]byte(identity))
	return &r.shards[h.Sum32()%shardCount]
}

// Register installs c as the live handle for its identity and returns the
// handle it displaced, if any. Last connect wins.
func (r *Registry) Register(c *Conn) *Conn {
	s := r.shard(c.Identity)
	s.mu.Lock()
	prev := s.conns[c.Identity]
	s.conns[c.Identity] = c
	s.mu.Unlock()

	if prev != nil {
		r.log.Info().Str("identity", c.Identity).Msg("connection superseded")
	} else {
		r.log.Info().Str("identity", c.Identity).Msg("connection registered")
	}
	return prev
}

// Unregister removes the mapping only if it still points at c. A stale
// handle whose identity has reconnected leaves the newer mapping intact,
// and false is returned.
func (r *Registry) Unregister(identity string, c *Conn) bool {
	s := r.shard(identity)
	s.mu.Lock()
	cur, ok := s.conns[identity]
	if ok && cur == c {
		delete(s.conns, identity)
	}
	s.mu.Unlock()

	removed := ok && cur == c
	if removed {
		r.log.Info().Str("identity", identity).Msg("connection unregistered")
	}
	return removed
}

// Lookup returns the live handle for an identity.
func (r *Registry) Lookup(identity string) (*Conn, bool) {
	s := r.shard(identity)
	s.mu.RLock()
	c, ok := s.conns[identity]
	s.mu.RUnlock()
	return c, ok
}

// IsLive reports whether identity has a registered, still-open handle.
func (r *Registry) IsLive(identity string) bool {
	c, ok := r.Lookup(identity)
	return ok && c.Alive()
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		n += len(s.conns)
		s.mu.RUnlock()
	}
	return n
}

// Each visits registered connections until fn returns false. Each shard is
// snapshotted under its own read lock, so fn runs lock-free and may call
// back into the registry.
func (r *Registry) Each(fn func(identity string, c *Conn) bool) {
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		snapshot := make(map[string]*Conn, len(s.conns))
		for id, c := range s.conns {
			snapshot[id] = c
		}
		s.mu.RUnlock()

		for id, c := range snapshot {
			if !fn(id, c) {
				return
			}
		}
	}
}

// CloseAll closes and drops every registered connection.
func (r *Registry) CloseAll() {
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for id, c := range s.conns {
			c.Close()
			delete(s.conns, id)
		}
		s.mu.Unlock()
	}
}
