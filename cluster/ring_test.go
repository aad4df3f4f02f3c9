package cluster

import (
	"fmt"
	"testing"
)

func testNodes(ids ...string) []NodeInfo {
	out := make([]NodeInfo, 0, len(ids))
	for i, id := range ids {
		out = append(out, NodeInfo{ID: id, Host: "127.0.0.1", Port: 7000 + i, APIPort: 3000 + i})
	}
	return out
}

func TestRingDeterministic(t *testing.T) {
	nodes := testNodes("a", "b", "c")
	r1 := BuildRing(nodes, 10)
	r2 := BuildRing(nodes, 10)

	for i := 0; i < 500; i++ {
		key := fmt.Sprintf("key-%d", i)
		o1, ok1 := r1.Lookup(key)
		o2, ok2 := r2.Lookup(key)
		if !ok1 || !ok2 {
			t.Fatalf("lookup failed for %s", key)
		}
		if o1.ID != o2.ID {
			t.Fatalf("rebuild changed owner of %s: %s vs %s", key, o1.ID, o2.ID)
		}
	}
}

func TestRingEmptyAndSingle(t *testing.T) {
	empty := BuildRing(nil, 10)
	if _, ok := empty.Lookup("anything"); ok {
		t.Fatal("empty ring returned an owner")
	}

	single := BuildRing(testNodes("only"), 10)
	for i := 0; i < 100; i++ {
		owner, ok := single.Lookup(fmt.Sprintf("k%d", i))
		if !ok || owner.ID != "only" {
			t.Fatalf("single-node ring misrouted: %+v/%v", owner, ok)
		}
	}
}

func TestRingMinimalDisruption(t *testing.T) {
	const vnodes = 50
	const keys = 5000

	before := BuildRing(testNodes("a", "b", "c", "d"), vnodes)
	after := BuildRing(testNodes("a", "b", "c", "d", "e"), vnodes)

	moved := 0
	for i := 0; i < keys; i++ {
		key := fmt.Sprintf("key-%d", i)
		o1, _ := before.Lookup(key)
		o2, _ := after.Lookup(key)
		if o1.ID == o2.ID {
			continue
		}
		moved++
		// Consistent hashing: a key changes owner only by moving to the
		// node that joined.
		if o2.ID != "e" {
			t.Fatalf("key %s moved %s -> %s, not to the new node", key, o1.ID, o2.ID)
		}
	}

	// Expectation is keys/5; allow a wide band for hash variance.
	if moved == 0 {
		t.Fatal("no keys moved to the new node")
	}
	if frac := float64(moved) / keys; frac > 0.4 {
		t.Fatalf("too many keys moved: %.2f of the key space", frac)
	}
}

func TestRingSpreadsLoad(t *testing.T) {
	const vnodes = 64
	const keys = 9000

	r := BuildRing(testNodes("a", "b", "c"), vnodes)
	counts := make(map[string]int)
	for i := 0; i < keys; i++ {
		owner, _ := r.Lookup(fmt.Sprintf("key-%d", i))
		counts[owner.ID]++
	}

	for id, n := range counts {
		if frac := float64(n) / keys; frac < 0.10 {
			t.Fatalf("node %s owns only %.2f of keys: %v", id, frac, counts)
		}
	}
	if len(counts) != 3 {
		t.Fatalf("expected all 3 nodes to own keys, got %v", counts)
	}
}

func TestRingWrapAround(t *testing.T) {
	r := BuildRing(testNodes("a", "b"), 4)

	// A hash above the highest point must wrap to the first point.
	top := r.points[len(r.points)-1].hash
	owner, ok := r.Owner(top + 1)
	if !ok {
		t.Fatal("lookup failed")
	}
	first, _ := r.Owner(0)
	if owner.ID != first.ID {
		t.Fatalf("wrap-around broken: got %s, want %s", owner.ID, first.ID)
	}
}
