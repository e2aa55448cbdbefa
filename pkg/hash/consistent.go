// Package hash provides the consistent-hash ring a connector uses to pick
// its master server.
//
// Every connector identity (the username) hashes to a position on the ring.
// The first master clockwise from that position is the connector's primary,
// and the following distinct masters are its failover order. Adding or
// removing a master only moves the identities that hashed next to it, so most
// connectors keep talking to the master whose connections are already warm.
//
// Example usage:
//
//	ring := hash.New(150)
//	ring.AddNode("master1.example.com:4583")
//	ring.AddNode("master2.example.com:4583")
//
//	primary := ring.GetNode("admin")
//	order := ring.Successors("admin", 2)
package hash

import (
	"crypto/sha256"
	"encoding/binary"
	"slices"
	"strconv"
	"sync"
)

// DefaultVirtualNodes is the number of ring positions per master when none is given.
const DefaultVirtualNodes = 150

// Ring is a consistent hashing ring with virtual nodes. It is safe for
// concurrent use.
type Ring struct {
	owners       map[uint32]string // position -> master
	nodes        map[string]struct{}
	positions    []uint32 // sorted
	virtualNodes int
	mu           sync.RWMutex
}

// New creates an empty ring. If virtualNodes is <= 0, DefaultVirtualNodes is used.
func New(virtualNodes int) *Ring {
	if virtualNodes <= 0 {
		virtualNodes = DefaultVirtualNodes
	}
	return &Ring{
		owners:       make(map[uint32]string),
		nodes:        make(map[string]struct{}),
		virtualNodes: virtualNodes,
	}
}

// AddNode places a master on the ring. Adding a master twice is a no-op.
func (r *Ring) AddNode(node string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[node]; ok {
		return
	}
	r.nodes[node] = struct{}{}

	for i := 0; i < r.virtualNodes; i++ {
		pos := position(node + "#" + strconv.Itoa(i))
		if _, taken := r.owners[pos]; taken {
			continue
		}
		r.owners[pos] = node
		r.positions = append(r.positions, pos)
	}
	slices.Sort(r.positions)
}

// RemoveNode takes a master off the ring.
func (r *Ring) RemoveNode(node string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[node]; !ok {
		return
	}
	delete(r.nodes, node)

	kept := r.positions[:0]
	for _, pos := range r.positions {
		if r.owners[pos] == node {
			delete(r.owners, pos)
			continue
		}
		kept = append(kept, pos)
	}
	r.positions = kept
}

// GetNode returns the master responsible for key, or "" when the ring is empty.
func (r *Ring) GetNode(key string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.positions) == 0 {
		return ""
	}
	return r.owners[r.positions[r.search(position(key))]]
}

// Successors returns up to n distinct masters in ring order starting at the
// owner of key. The first element equals GetNode(key).
func (r *Ring) Successors(key string, n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.positions) == 0 || n <= 0 {
		return nil
	}
	if n > len(r.nodes) {
		n = len(r.nodes)
	}

	result := make([]string, 0, n)
	seen := make(map[string]struct{}, n)
	start := r.search(position(key))
	for i := 0; i < len(r.positions) && len(result) < n; i++ {
		node := r.owners[r.positions[(start+i)%len(r.positions)]]
		if _, dup := seen[node]; dup {
			continue
		}
		seen[node] = struct{}{}
		result = append(result, node)
	}
	return result
}

// GetNodes returns all masters on the ring, sorted.
func (r *Ring) GetNodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]string, 0, len(r.nodes))
	for node := range r.nodes {
		nodes = append(nodes, node)
	}
	slices.Sort(nodes)
	return nodes
}

// Len returns the number of masters on the ring.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// search finds the first position >= pos, wrapping to 0.
func (r *Ring) search(pos uint32) int {
	idx, _ := slices.BinarySearch(r.positions, pos)
	if idx == len(r.positions) {
		idx = 0
	}
	return idx
}

func position(key string) uint32 {
	sum := sha256.Sum256([]byte(key))
	return binary.BigEndian.Uint32(sum[:4])
}
