package cluster

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	cbor "github.com/fxamacker/cbor/v2"
)

const (
	maxFrameSize    = 8 << 20
	dialKeepAlive   = 45 * time.Second
	defaultInflight = 64
)

// peerConn is one outbound connection to a peer's cluster port. Requests are
// written as frames tagged with a request ID; a single read loop demultiplexes
// responses back to the waiting caller.
type peerConn struct {
	addr       string
	conn       net.Conn
	r          *bufio.Reader
	w          *bufio.Writer
	mu         sync.Mutex // serializes frame writes
	pend       sync.Map   // reqID -> chan []byte
	closed     chan struct{}
	closeOnce  sync.Once
	readTO     time.Duration
	writeTO    time.Duration
	inflightCh chan struct{}
}

// dialPeer establishes the TCP connection and starts the response reader.
func dialPeer(addr string, dialTO, readTO, writeTO time.Duration) (*peerConn, error) {
	d := &net.Dialer{Timeout: dialTO, KeepAlive: dialKeepAlive}
	c, err := d.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	pc := &peerConn{
		addr:       addr,
		conn:       c,
		r:          bufio.NewReaderSize(c, 32<<10),
		w:          bufio.NewWriterSize(c, 32<<10),
		closed:     make(chan struct{}),
		readTO:     readTO,
		writeTO:    writeTO,
		inflightCh: make(chan struct{}, defaultInflight),
	}
	go pc.readLoop()
	return pc, nil
}

func (p *peerConn) close() {
	p.closeOnce.Do(func() {
		_ = p.conn.Close()
		close(p.closed)
	})
}

// failAll unblocks every pending request after the connection breaks.
func (p *peerConn) failAll() {
	p.pend.Range(func(id, chAny any) bool {
		p.pend.Delete(id)
		if ch, ok := chAny.(chan []byte); ok {
			close(ch)
		}
		return true
	})
	p.close()
}

// readLoop routes each inbound frame to the requester registered under its ID.
func (p *peerConn) readLoop() {
	for {
		buf, err := p.readFrame()
		if err != nil {
			p.failAll()
			return
		}
		var b base
		if err := cbor.Unmarshal(buf, &b); err != nil {
			continue
		}
		if chAny, ok := p.pend.Load(b.ID); ok {
			p.pend.Delete(b.ID)
			ch := chAny.(chan []byte)
			ch <- buf
			close(ch)
		}
	}
}

func (p *peerConn) readFrame() ([]byte, error) {
	// Idle between frames is fine; only cap the time a single frame takes.
	_ = p.conn.SetReadDeadline(time.Time{})
	var hdr [4]byte
	if _, err := io.ReadFull(p.r, hdr[:]); err != nil {
		return nil, err
	}

	n := int(binary.BigEndian.Uint32(hdr[:]))
	if n > maxFrameSize {
		return nil, errors.New("frame too large")
	}

	if p.readTO > 0 {
		_ = p.conn.SetReadDeadline(time.Now().Add(p.readTO))
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(p.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (p *peerConn) writeFrame(payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeTO > 0 {
		_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTO))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := p.w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := p.w.Write(payload); err != nil {
		return err
	}
	return p.w.Flush()
}

// request sends msg and waits for the response frame carrying the same ID, or
// fails when timeout expires. A stalled peer costs one request slot, never the
// caller's goroutine beyond the timeout.
func (p *peerConn) request(msg any, id uint64, timeout time.Duration) ([]byte, error) {
	select {
	case p.inflightCh <- struct{}{}:
	default:
		return nil, errors.New("peer inflight limit")
	}
	defer func() { <-p.inflightCh }()

	raw, err := cbor.Marshal(msg)
	if err != nil {
		return nil, err
	}

	ch := make(chan []byte, 1)
	p.pend.Store(id, ch)

	if err := p.writeFrame(raw); err != nil {
		p.pend.Delete(id)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrPeerClosed
		}
		return resp, nil
	case <-timer.C:
		p.pend.Delete(id)
		return nil, ErrTimeout
	case <-p.closed:
		p.pend.Delete(id)
		return nil, ErrPeerClosed
	}
}

func writeFrameBuf(w *bufio.Writer, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return w.Flush()
}
