// Package registry indexes watchlist subscriptions in both directions:
// user -> symbols and symbol -> users.
package registry

import (
	"hash/fnv"
	"sort"
	"sync"
)

const shardCount = 32

type shard struct {
	mu   sync.RWMutex
	sets map[string]map[string]struct{}
}

func (s *shard) add(key, member string) bool {
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	if _, exists := set[member]; exists {
		return false
	}
	set[member] = struct{}{}
	return true
}

func (s *shard) remove(key, member string) bool {
	set, ok := s.sets[key]
	if !ok {
		return false
	}
	if _, exists := set[member]; !exists {
		return false
	}
	delete(set, member)
	if len(set) == 0 {
		delete(s.sets, key)
	}
	return true
}

func (s *shard) members(key string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.sets[key]
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Registry is safe for concurrent use. Mutations for users in different
// shards never contend. Lock order is always user shard, then symbol shard.
type Registry struct {
	users   [shardCount]*shard
	symbols [shardCount]*shard
}

func New() *Registry {
	r := &Registry{}
	for i := 0; i < shardCount; i++ {
		r.users[i] = &shard{sets: make(map[string]map[string]struct{})}
		r.symbols[i] = &shard{sets: make(map[string]map[string]struct{})}
	}
	return r
}

func shardFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}

func (r *Registry) userShard(userID string) *shard     { return r.users[shardFor(userID)] }
func (r *Registry) symbolShard(symbolID string) *shard { return r.symbols[shardFor(symbolID)] }

// AddSubscription is idempotent. It reports whether the set changed.
func (r *Registry) AddSubscription(userID, symbolID string) bool {
	us := r.userShard(userID)
	us.mu.Lock()
	defer us.mu.Unlock()

	if !us.add(userID, symbolID) {
		return false
	}

	ss := r.symbolShard(symbolID)
	ss.mu.Lock()
	ss.add(symbolID, userID)
	ss.mu.Unlock()
	return true
}

// RemoveSubscription is idempotent. It reports whether the set changed.
func (r *Registry) RemoveSubscription(userID, symbolID string) bool {
	us := r.userShard(userID)
	us.mu.Lock()
	defer us.mu.Unlock()

	if !us.remove(userID, symbolID) {
		return false
	}

	ss := r.symbolShard(symbolID)
	ss.mu.Lock()
	ss.remove(symbolID, userID)
	ss.mu.Unlock()
	return true
}

// RemoveAll drops every subscription of the user and returns the removed symbols.
func (r *Registry) RemoveAll(userID string) []string {
	us := r.userShard(userID)
	us.mu.Lock()
	defer us.mu.Unlock()

	set := us.sets[userID]
	removed := make([]string, 0, len(set))
	for sym := range set {
		ss := r.symbolShard(sym)
		ss.mu.Lock()
		ss.remove(sym, userID)
		ss.mu.Unlock()
		removed = append(removed, sym)
	}
	delete(us.sets, userID)
	sort.Strings(removed)
	return removed
}

// SymbolsForUser returns the user's watchlist, sorted.
func (r *Registry) SymbolsForUser(userID string) []string {
	return r.userShard(userID).members(userID)
}

// UsersForSymbol returns every user watching the symbol, sorted.
func (r *Registry) UsersForSymbol(symbolID string) []string {
	return r.symbolShard(symbolID).members(symbolID)
}

// HasSubscribers reports whether anyone watches the symbol.
func (r *Registry) HasSubscribers(symbolID string) bool {
	ss := r.symbolShard(symbolID)
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return len(ss.sets[symbolID]) > 0
}
