package cluster

import (
	"net"
	"sort"
	"strconv"
	"sync"
	"time"
)

// NodeState is the liveness verdict for a peer. Severity is ordered:
// Dead > Suspect > Alive. At equal incarnation the more severe state wins.
type NodeState uint8

const (
	StateAlive NodeState = iota
	StateSuspect
	StateDead
)

func (s NodeState) String() string {
	switch s {
	case StateAlive:
		return "alive"
	case StateSuspect:
		return "suspect"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// NodeInfo is the gossiped identity and liveness claim for one node.
type NodeInfo struct {
	ID          string    `cbor:"id" json:"id"`
	Host        string    `cbor:"h" json:"host"`
	Port        int       `cbor:"p" json:"port"`
	APIPort     int       `cbor:"ap" json:"api_port"`
	Incarnation uint64    `cbor:"inc" json:"incarnation"`
	State       NodeState `cbor:"st" json:"state"`
}

// Addr is the cluster-port address peers dial.
func (n NodeInfo) Addr() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}

// APIAddr is the client-facing address.
func (n NodeInfo) APIAddr() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.APIPort))
}

// supersedes reports whether claim a beats claim b under the anti-entropy
// conflict rule: higher incarnation always wins; at equal incarnation the
// more severe state wins. Timestamps are never compared, so clock skew
// between nodes cannot flip a verdict.
func supersedes(a, b NodeInfo) bool {
	if a.Incarnation != b.Incarnation {
		return a.Incarnation > b.Incarnation
	}
	return a.State > b.State
}

// member is one row of the local membership table.
type member struct {
	info NodeInfo
	// lastEvidence is the local receive time of the freshest liveness
	// evidence (direct ack, or gossip carrying an Alive claim).
	lastEvidence int64
	stateSince   int64
}

// membership is this node's view of the cluster. Entries are added on first
// mention and never removed while the node might return; Dead rows are kept
// for audit unless tombstone pruning is configured. version increments on
// every effective change so the ring can be rebuilt exactly when needed.
type membership struct {
	mu      sync.RWMutex
	selfID  string
	members map[string]*member
	version uint64
}

func newMembership(self NodeInfo, now int64) *membership {
	m := &membership{
		selfID:  self.ID,
		members: make(map[string]*member),
		version: 1,
	}
	m.members[self.ID] = &member{info: self, lastEvidence: now, stateSince: now}
	return m
}

// Self returns the local node's current claim, including its incarnation.
func (m *membership) Self() NodeInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.members[m.selfID].info
}

// Snapshot returns every known claim, sorted by ID for deterministic gossip
// payloads and API output.
func (m *membership) Snapshot() []NodeInfo {
	m.mu.RLock()
	out := make([]NodeInfo, 0, len(m.members))
	for _, mb := range m.members {
		out = append(out, mb.info)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Eligible returns the nodes the ring is built from: Alive and Suspect.
// Suspect stays eligible so a transient blip does not reshuffle ownership.
func (m *membership) Eligible() []NodeInfo {
	m.mu.RLock()
	out := make([]NodeInfo, 0, len(m.members))
	for _, mb := range m.members {
		if mb.info.State != StateDead {
			out = append(out, mb.info)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *membership) Version() uint64 {
	m.mu.RLock()
	v := m.version
	m.mu.RUnlock()
	return v
}

// Merge folds a remote table into the local one under the conflict rule.
// A claim about the local node that is not Alive and not older than our own
// incarnation is refuted by bumping the incarnation and re-asserting Alive.
func (m *membership) Merge(table []NodeInfo, now int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, claim := range table {
		if claim.ID == "" {
			continue
		}
		if claim.ID == m.selfID {
			self := m.members[m.selfID]
			if claim.State != StateAlive && claim.Incarnation >= self.info.Incarnation {
				self.info.Incarnation = claim.Incarnation + 1
				self.info.State = StateAlive
				self.stateSince = now
				m.version++
			}
			continue
		}

		mb, ok := m.members[claim.ID]
		if !ok {
			cp := claim
			m.members[claim.ID] = &member{info: cp, lastEvidence: now, stateSince: now}
			m.version++
			continue
		}
		if !supersedes(claim, mb.info) {
			continue
		}
		if mb.info.State != claim.State || mb.info.Incarnation != claim.Incarnation {
			m.version++
		}
		mb.info = claim
		mb.stateSince = now
		if claim.State == StateAlive {
			mb.lastEvidence = now
		}
	}
}

// ObserveAlive records direct proof of life (a successful probe ack).
func (m *membership) ObserveAlive(info NodeInfo, now int64) {
	if info.ID == "" || info.ID == m.selfID {
		return
	}
	alive := info
	alive.State = StateAlive

	m.mu.Lock()
	defer m.mu.Unlock()
	mb, ok := m.members[info.ID]
	if !ok {
		m.members[info.ID] = &member{info: alive, lastEvidence: now, stateSince: now}
		m.version++
		return
	}
	mb.lastEvidence = now
	switch {
	case alive.Incarnation > mb.info.Incarnation:
		mb.info = alive
		mb.stateSince = now
		m.version++
	case alive.Incarnation == mb.info.Incarnation && mb.info.State == StateSuspect:
		// A direct ack refutes local suspicion at the same incarnation.
		// A Dead verdict stays sticky: an equal-incarnation Alive claim
		// cannot win the conflict rule on other nodes, so reviving it
		// here would split the cluster view. The returning node bumps
		// its incarnation instead.
		mb.info.State = StateAlive
		mb.stateSince = now
		m.version++
	}
}

// Sweep runs the failure detector: peers silent past nodeTimeout become
// Suspect, and past 2×nodeTimeout become Dead. The local node never suspects
// itself.
func (m *membership) Sweep(now int64, nodeTimeout time.Duration) {
	suspectAfter := nodeTimeout.Nanoseconds()
	deadAfter := 2 * suspectAfter

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, mb := range m.members {
		if id == m.selfID || mb.info.State == StateDead {
			continue
		}
		silent := now - mb.lastEvidence
		switch {
		case silent > deadAfter && mb.info.State == StateSuspect:
			mb.info.State = StateDead
			mb.stateSince = now
			m.version++
		case silent > suspectAfter && mb.info.State == StateAlive:
			mb.info.State = StateSuspect
			mb.stateSince = now
			m.version++
		}
	}
}

// Prune drops Dead rows whose silence exceeds retain. retain == 0 keeps them
// forever.
func (m *membership) Prune(now int64, retain time.Duration) {
	if retain <= 0 {
		return
	}
	threshold := now - retain.Nanoseconds()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, mb := range m.members {
		if id == m.selfID {
			continue
		}
		if mb.info.State == StateDead && mb.lastEvidence < threshold {
			delete(m.members, id)
			m.version++
		}
	}
}

// BumpSelf advances the local incarnation, announcing a fresh generation of
// this node (used on restart/rejoin).
func (m *membership) BumpSelf(now int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	self := m.members[m.selfID]
	self.info.Incarnation++
	self.info.State = StateAlive
	self.stateSince = now
	m.version++
}
