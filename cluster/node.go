// Package cluster implements the coordinator-free distribution layer: gossip
// membership with a SWIM-style failure detector, a consistent-hash ring over
// the live members, and request routing that serves owned keys locally and
// forwards the rest to their owner over the cluster port.
package cluster

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	cbor "github.com/fxamacker/cbor/v2"
	"golang.org/x/sync/singleflight"

	fastbu "github.com/adelra/fastbu"
)

const gossipFanout = 3

// Backend is the local cache engine the node serves owned keys from.
type Backend interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
}

// Node ties membership, ring, and transport together around a Backend. One
// Node per process; Start launches the listener and the gossip/sweep loops.
type Node struct {
	cfg     Config
	backend Backend

	mem  *membership
	ring atomic.Value // *Ring

	peersMu sync.RWMutex
	peers   map[string]*peerConn // cluster addr -> conn

	ln       net.Listener
	sf       singleflight.Group
	reqID    uint64
	ringVer  uint64
	rngMu    sync.Mutex
	rng      *rand.Rand
	stop     chan struct{}
	stopOnce sync.Once
}

// NewNode builds an unstarted node. cfg must carry an ID (EnsureID) and valid
// ports; LoadConfig-produced configs already do.
func NewNode(cfg Config, backend Backend) *Node {
	cfg.EnsureID()
	now := time.Now().UnixNano()

	n := &Node{
		cfg:     cfg,
		backend: backend,
		mem:     newMembership(cfg.Self(), now),
		peers:   make(map[string]*peerConn),
		rng:     rand.New(rand.NewSource(now)),
		stop:    make(chan struct{}),
	}
	n.storeRing()
	return n
}

// Start binds the cluster port, dials the seeds, and launches the gossip and
// failure-detector loops. A node with no seeds is the bootstrap origin and
// simply waits to be dialed.
func (n *Node) Start() error {
	ln, err := net.Listen("tcp", n.cfg.BindAddr())
	if err != nil {
		return fmt.Errorf("bind cluster port: %w", err)
	}
	n.ln = ln
	go n.acceptLoop(ln)

	for _, seed := range n.cfg.Seeds {
		if seed == n.cfg.BindAddr() {
			continue
		}
		go n.probeAddr(seed)
	}

	go n.gossipLoop()
	go n.sweepLoop()
	return nil
}

// Stop closes the listener, the background loops, and all peer connections.
// Idempotent.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		close(n.stop)
		if n.ln != nil {
			_ = n.ln.Close()
		}
		n.peersMu.Lock()
		for _, p := range n.peers {
			p.close()
		}
		n.peers = make(map[string]*peerConn)
		n.peersMu.Unlock()
	})
}

// Self returns the local node's current membership claim.
func (n *Node) Self() NodeInfo {
	return n.mem.Self()
}

// Members returns the full membership view, Dead rows included.
func (n *Node) Members() []NodeInfo {
	return n.mem.Snapshot()
}

// Ring returns the current routing ring snapshot.
func (n *Node) Ring() *Ring {
	return n.ring.Load().(*Ring)
}

// Route resolves a key to its owning node. Pure ring lookup, no I/O.
func (n *Node) Route(key string) (NodeInfo, bool) {
	return n.Ring().Lookup(key)
}

// Get serves key from the local backend when this node owns it, otherwise
// forwards to the owner and relays the result. Concurrent forwarded reads of
// one key collapse into a single request.
func (n *Node) Get(key string) ([]byte, error) {
	owner, ok := n.Route(key)
	if !ok {
		return nil, ErrNoOwner
	}
	if owner.ID == n.cfg.ID {
		return n.backend.Get(key)
	}

	v, err, _ := n.sf.Do("get\x00"+key, func() (any, error) {
		return n.forwardGet(owner, key)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Set stores key locally or forwards the write to its owner. The caller gets
// an error whenever the owning node did not durably accept the write.
func (n *Node) Set(key string, value []byte) error {
	owner, ok := n.Route(key)
	if !ok {
		return ErrNoOwner
	}
	if owner.ID == n.cfg.ID {
		return n.backend.Set(key, value)
	}
	return n.forwardSet(owner, key, value)
}

// Delete removes key from its owning node.
func (n *Node) Delete(key string) error {
	owner, ok := n.Route(key)
	if !ok {
		return ErrNoOwner
	}
	if owner.ID == n.cfg.ID {
		return n.backend.Delete(key)
	}
	return n.forwardDelete(owner, key)
}

func (n *Node) nextReqID() uint64 {
	return atomic.AddUint64(&n.reqID, 1)
}

// probeTimeout bounds a single gossip probe so a stalled peer can never stall
// the tick.
func (n *Node) probeTimeout() time.Duration {
	to := 2 * n.cfg.GossipInterval
	if n.cfg.NodeTimeout < to {
		to = n.cfg.NodeTimeout
	}
	return to
}

func (n *Node) forwardGet(owner NodeInfo, key string) ([]byte, error) {
	raw, err := n.requestPeer(owner.Addr(), func(id uint64) any {
		return &msgGet{base: base{T: mtGet, ID: id}, Key: key}
	})
	if err != nil {
		return nil, err
	}
	var resp msgGetResp
	if err := cbor.Unmarshal(raw, &resp); err != nil {
		return nil, ErrBadPeer
	}
	if resp.Err != "" {
		return nil, fmt.Errorf("owner %s: %s", owner.ID, resp.Err)
	}
	if !resp.Found {
		return nil, fastbu.ErrNotFound
	}
	return resp.Val, nil
}

func (n *Node) forwardSet(owner NodeInfo, key string, value []byte) error {
	raw, err := n.requestPeer(owner.Addr(), func(id uint64) any {
		return &msgSet{base: base{T: mtSet, ID: id}, Key: key, Val: value}
	})
	if err != nil {
		return err
	}
	var resp msgSetResp
	if err := cbor.Unmarshal(raw, &resp); err != nil {
		return ErrBadPeer
	}
	if !resp.OK {
		return fmt.Errorf("owner %s: %s", owner.ID, resp.Err)
	}
	return nil
}

func (n *Node) forwardDelete(owner NodeInfo, key string) error {
	raw, err := n.requestPeer(owner.Addr(), func(id uint64) any {
		return &msgDel{base: base{T: mtDelete, ID: id}, Key: key}
	})
	if err != nil {
		return err
	}
	var resp msgDelResp
	if err := cbor.Unmarshal(raw, &resp); err != nil {
		return ErrBadPeer
	}
	if !resp.OK {
		return fmt.Errorf("owner %s: %s", owner.ID, resp.Err)
	}
	return nil
}

// requestPeer sends one request frame to addr and returns the raw response.
// Fatal transport errors drop the cached connection so the next call redials.
func (n *Node) requestPeer(addr string, build func(id uint64) any) ([]byte, error) {
	pc, err := n.ensurePeer(addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	id := n.nextReqID()
	raw, err := pc.request(build(id), id, n.cfg.NodeTimeout)
	if err != nil {
		if isFatalTransport(err) {
			n.resetPeer(addr)
		}
		return nil, err
	}
	return raw, nil
}

func (n *Node) ensurePeer(addr string) (*peerConn, error) {
	n.peersMu.RLock()
	pc := n.peers[addr]
	n.peersMu.RUnlock()
	if pc != nil {
		return pc, nil
	}

	n.peersMu.Lock()
	defer n.peersMu.Unlock()
	if pc = n.peers[addr]; pc != nil {
		return pc, nil
	}

	to := n.probeTimeout()
	pc, err := dialPeer(addr, to, n.cfg.NodeTimeout, n.cfg.NodeTimeout)
	if err != nil {
		return nil, err
	}
	n.peers[addr] = pc
	return pc, nil
}

func (n *Node) resetPeer(addr string) {
	n.peersMu.Lock()
	if pc, ok := n.peers[addr]; ok {
		pc.close()
		delete(n.peers, addr)
	}
	n.peersMu.Unlock()
}

// gossipLoop probes a small random subset of known peers every tick.
func (n *Node) gossipLoop() {
	t := time.NewTicker(n.cfg.GossipInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			targets := n.pickProbeTargets(gossipFanout)
			if len(targets) == 0 {
				// Nobody known yet: keep knocking on the seeds until one
				// answers.
				for _, seed := range n.cfg.Seeds {
					if seed != n.cfg.BindAddr() {
						go n.probeAddr(seed)
					}
				}
				continue
			}
			for _, peer := range targets {
				go n.probeAddr(peer.Addr())
			}
		case <-n.stop:
			return
		}
	}
}

// pickProbeTargets samples up to k non-Dead peers, Suspect included so a
// recovered peer can refute suspicion quickly.
func (n *Node) pickProbeTargets(k int) []NodeInfo {
	var candidates []NodeInfo
	for _, info := range n.mem.Snapshot() {
		if info.ID == n.cfg.ID || info.State == StateDead {
			continue
		}
		candidates = append(candidates, info)
	}

	n.rngMu.Lock()
	n.rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	n.rngMu.Unlock()

	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates
}

// probeAddr pings one peer, piggybacking the local membership table, and
// merges whatever the ack carries back. A timeout is not an error here; the
// sweep loop turns sustained silence into Suspect/Dead.
func (n *Node) probeAddr(addr string) {
	raw, err := n.requestPing(addr)
	if err != nil {
		return
	}
	var ack msgAck
	if err := cbor.Unmarshal(raw, &ack); err != nil {
		return
	}
	now := time.Now().UnixNano()
	n.mem.ObserveAlive(ack.From, now)
	n.mem.Merge(ack.Table, now)
}

func (n *Node) requestPing(addr string) ([]byte, error) {
	pc, err := n.ensurePeer(addr)
	if err != nil {
		return nil, err
	}
	id := n.nextReqID()
	msg := &msgPing{
		base:  base{T: mtPing, ID: id},
		From:  n.mem.Self(),
		Table: n.mem.Snapshot(),
	}
	raw, err := pc.request(msg, id, n.probeTimeout())
	if err != nil {
		if isFatalTransport(err) {
			n.resetPeer(addr)
		}
		return nil, err
	}
	return raw, nil
}

// sweepLoop advances the failure detector, prunes tombstones when configured,
// and rebuilds the routing ring whenever the membership view changed.
func (n *Node) sweepLoop() {
	t := time.NewTicker(n.cfg.GossipInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			now := time.Now().UnixNano()
			n.mem.Sweep(now, n.cfg.NodeTimeout)
			n.mem.Prune(now, n.cfg.TombstoneAfter)
			if v := n.mem.Version(); v != atomic.LoadUint64(&n.ringVer) {
				n.storeRing()
			}
		case <-n.stop:
			return
		}
	}
}

// storeRing builds a fresh ring from the eligible members and swaps it in
// atomically; routers in flight keep reading the old snapshot.
func (n *Node) storeRing() {
	v := n.mem.Version()
	r := BuildRing(n.mem.Eligible(), n.cfg.VirtualNodes)
	n.ring.Store(r)
	atomic.StoreUint64(&n.ringVer, v)
}

// acceptLoop hands each inbound connection to one worker goroutine.
func (n *Node) acceptLoop(ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-n.stop:
				return
			default:
				continue
			}
		}
		if tc, ok := c.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}
		go n.serveConn(c)
	}
}

// serveConn decodes frames and hands each request to its own goroutine, so a
// slow backend operation never delays a ping queued behind it on the same
// connection. Responses carry the request ID, so the sender reorders freely;
// the shared writer is serialized by a mutex. Forwarded operations are
// applied locally without re-routing: the sender already routed by its ring,
// and rings may briefly disagree while gossip converges.
func (n *Node) serveConn(c net.Conn) {
	defer c.Close()
	r := bufio.NewReaderSize(c, 32<<10)
	w := bufio.NewWriterSize(c, 32<<10)
	var wmu sync.Mutex

	for {
		buf, err := readServerFrame(c, r, n.cfg.NodeTimeout)
		if err != nil {
			return
		}
		go n.dispatchFrame(c, w, &wmu, buf)
	}
}

func (n *Node) dispatchFrame(c net.Conn, w *bufio.Writer, wmu *sync.Mutex, buf []byte) {
	var b base
	if err := cbor.Unmarshal(buf, &b); err != nil {
		return
	}

	var resp any
	switch b.T {
	case mtPing:
		var p msgPing
		if cbor.Unmarshal(buf, &p) == nil {
			resp = n.handlePing(&p)
		}
	case mtGet:
		var g msgGet
		if cbor.Unmarshal(buf, &g) == nil {
			resp = n.rpcGet(g)
		}
	case mtSet:
		var s msgSet
		if cbor.Unmarshal(buf, &s) == nil {
			resp = n.rpcSet(s)
		}
	case mtDelete:
		var d msgDel
		if cbor.Unmarshal(buf, &d) == nil {
			resp = n.rpcDel(d)
		}
	}
	if resp == nil {
		return
	}

	raw, err := cbor.Marshal(resp)
	if err != nil {
		return
	}

	wmu.Lock()
	defer wmu.Unlock()
	if n.cfg.NodeTimeout > 0 {
		_ = c.SetWriteDeadline(time.Now().Add(n.cfg.NodeTimeout))
	}
	_ = writeFrameBuf(w, raw)
}

// readServerFrame blocks on the header indefinitely (idle connections are
// fine) but bounds the body read.
func readServerFrame(c net.Conn, r *bufio.Reader, bodyTO time.Duration) ([]byte, error) {
	_ = c.SetReadDeadline(time.Time{})
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := int(binary.BigEndian.Uint32(hdr[:]))
	if size > maxFrameSize {
		return nil, errors.New("frame too large")
	}
	if bodyTO > 0 {
		_ = c.SetReadDeadline(time.Now().Add(bodyTO))
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// handlePing merges the sender's table and answers with ours. The ping itself
// is direct evidence the sender is alive.
func (n *Node) handlePing(p *msgPing) *msgAck {
	now := time.Now().UnixNano()
	n.mem.ObserveAlive(p.From, now)
	n.mem.Merge(p.Table, now)
	return &msgAck{
		base:  base{T: mtAck, ID: p.ID},
		From:  n.mem.Self(),
		Table: n.mem.Snapshot(),
	}
}

func (n *Node) rpcGet(g msgGet) *msgGetResp {
	v, err := n.backend.Get(g.Key)
	switch {
	case err == nil:
		return &msgGetResp{base: base{T: mtGetResp, ID: g.ID}, Found: true, Val: v}
	case errors.Is(err, fastbu.ErrNotFound):
		return &msgGetResp{base: base{T: mtGetResp, ID: g.ID}, Found: false}
	default:
		log.Printf("[cluster] rpc get %q failed: %v", g.Key, err)
		return &msgGetResp{base: base{T: mtGetResp, ID: g.ID}, Err: err.Error()}
	}
}

func (n *Node) rpcSet(s msgSet) *msgSetResp {
	if err := n.backend.Set(s.Key, s.Val); err != nil {
		log.Printf("[cluster] rpc set %q failed: %v", s.Key, err)
		return &msgSetResp{base: base{T: mtSetResp, ID: s.ID}, OK: false, Err: err.Error()}
	}
	return &msgSetResp{base: base{T: mtSetResp, ID: s.ID}, OK: true}
}

func (n *Node) rpcDel(d msgDel) *msgDelResp {
	if err := n.backend.Delete(d.Key); err != nil {
		log.Printf("[cluster] rpc delete %q failed: %v", d.Key, err)
		return &msgDelResp{base: base{T: mtDeleteResp, ID: d.ID}, OK: false, Err: err.Error()}
	}
	return &msgDelResp{base: base{T: mtDeleteResp, ID: d.ID}, OK: true}
}
