package cluster

import (
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// virtualNode is one ring position owned by a physical node.
type virtualNode struct {
	hash  uint64
	owner string
}

// Ring is an immutable consistent-hash ring: virtualNodes points per member,
// sorted by hash, binary-searched per lookup. Nodes swap whole rings via
// atomic.Value rather than mutating one in place under readers.
type Ring struct {
	points []virtualNode
	nodes  map[string]NodeInfo
}

// vnodeHash places replica i of node id on the ring. The derivation depends
// only on (id, i), so the mapping is reproducible across rebuilds and nodes.
func vnodeHash(id string, i int) uint64 {
	return xxhash.Sum64String(id + "#" + strconv.Itoa(i))
}

// BuildRing constructs a ring from the given members.
func BuildRing(nodes []NodeInfo, virtualNodes int) *Ring {
	if virtualNodes <= 0 {
		virtualNodes = 1
	}
	r := &Ring{
		points: make([]virtualNode, 0, len(nodes)*virtualNodes),
		nodes:  make(map[string]NodeInfo, len(nodes)),
	}
	for _, n := range nodes {
		r.nodes[n.ID] = n
		for i := 0; i < virtualNodes; i++ {
			r.points = append(r.points, virtualNode{hash: vnodeHash(n.ID, i), owner: n.ID})
		}
	}
	sort.Slice(r.points, func(i, j int) bool {
		if r.points[i].hash != r.points[j].hash {
			return r.points[i].hash < r.points[j].hash
		}
		return r.points[i].owner < r.points[j].owner
	})
	return r
}

// KeyHash is the position a key occupies on the ring.
func KeyHash(key string) uint64 {
	return xxhash.Sum64String(key)
}

// Lookup returns the owner of key: the first virtual node clockwise from the
// key's hash, wrapping past the top of the hash space.
func (r *Ring) Lookup(key string) (NodeInfo, bool) {
	return r.Owner(KeyHash(key))
}

// Owner resolves a precomputed key hash to its owning node.
func (r *Ring) Owner(keyHash uint64) (NodeInfo, bool) {
	if len(r.points) == 0 {
		return NodeInfo{}, false
	}
	i := sort.Search(len(r.points), func(i int) bool {
		return r.points[i].hash >= keyHash
	})
	if i == len(r.points) {
		i = 0
	}
	return r.nodes[r.points[i].owner], true
}

// Len returns the number of physical nodes on the ring.
func (r *Ring) Len() int {
	return len(r.nodes)
}

// Nodes returns the physical members, sorted by ID.
func (r *Ring) Nodes() []NodeInfo {
	out := make([]NodeInfo, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
