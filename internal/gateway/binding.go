package gateway

import (
	"hash/fnv"
	"sync"

	"github.com/samber/lo"

	"github.com/emberchat/relay/internal/domain"
)

// BindingTable tracks which agent serves each user. A user binds to at most
// one agent; an agent may serve many users. The two directions live in
// independently sharded maps that are never locked together, so there is no
// lock ordering to get wrong.
type BindingTable struct {
	userShards  [shardCount]userShard
	agentShards [shardCount]agentShard
}

type userShard struct {
	mu      sync.RWMutex
	agentOf map[string]string
}

type agentShard struct {
	mu      sync.RWMutex
	usersOf map[string][]string
}

// NewBindingTable creates an empty binding table.
func NewBindingTable() *BindingTable {
	b := &BindingTable{}
	for i := range b.userShards {
		b.userShards[i].agentOf = make(map[string]string)
	}
	for i := range b.agentShards {
		b.agentShards[i].usersOf = make(map[string][]string)
	}
	return b
}

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % shardCount
}

// Bind associates user with agent, replacing any previous binding.
// Rebinding to the same agent is a no-op.
func (b *BindingTable) Bind(user, agent string) {
	us := &b.userShards[shardIndex(user)]
	us.mu.Lock()
	prev, had := us.agentOf[user]
	us.agentOf[user] = agent
	us.mu.Unlock()

	if had && prev == agent {
		return
	}
	if had {
		b.dropUser(prev, user)
	}

	as := &b.agentShards[shardIndex(agent)]
	as.mu.Lock()
	as.usersOf[agent] = lo.Uniq(append(as.usersOf[agent], user))
	as.mu.Unlock()
}

// Unbind removes the user's binding, if any.
func (b *BindingTable) Unbind(user string) {
	us := &b.userShards[shardIndex(user)]
	us.mu.Lock()
	agent, had := us.agentOf[user]
	delete(us.agentOf, user)
	us.mu.Unlock()

	if had {
		b.dropUser(agent, user)
	}
}

func (b *BindingTable) dropUser(agent, user string) {
	as := &b.agentShards[shardIndex(agent)]
	as.mu.Lock()
	remaining := lo.Without(as.usersOf[agent], user)
	if len(remaining) == 0 {
		delete(as.usersOf, agent)
	} else {
		as.usersOf[agent] = remaining
	}
	as.mu.Unlock()
}

// BoundAgentOf returns the agent currently serving user.
func (b *BindingTable) BoundAgentOf(user string) (string, bool) {
	us := &b.userShards[shardIndex(user)]
	us.mu.RLock()
	agent, ok := us.agentOf[user]
	us.mu.RUnlock()
	return agent, ok
}

// BoundUsersOf returns a copy of the users bound to agent.
func (b *BindingTable) BoundUsersOf(agent string) []string {
	as := &b.agentShards[shardIndex(agent)]
	as.mu.RLock()
	users := make([]string, len(as.usersOf[agent]))
	copy(users, as.usersOf[agent])
	as.mu.RUnlock()
	return users
}

// PickAvailableAgent returns any live agent identity from the registry.
// Which agent wins when several are live is first-found and deliberately
// unspecified; callers must not rely on fairness.
func PickAvailableAgent(reg *Registry) (string, bool) {
	var picked string
	reg.Each(func(identity string, c *Conn) bool {
		if c.Role == domain.RoleAgent && c.Alive() {
			picked = identity
			return false
		}
		return true
	})
	return picked, picked != ""
}
