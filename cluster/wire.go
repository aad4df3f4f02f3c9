package cluster

// CBOR wire protocol on the cluster port: each frame is a 4-byte big-endian
// length followed by a CBOR body carrying a base{T,ID} header plus
// message-specific fields. The framing is a contract between nodes of the
// same build, not an external API.

type msgType uint8

const (
	mtPing msgType = iota + 1
	mtAck
	mtGet
	mtGetResp
	mtSet
	mtSetResp
	mtDelete
	mtDeleteResp
)

type base struct {
	T  msgType `cbor:"t"`
	ID uint64  `cbor:"id"`
}

// msgPing is the gossip probe: the sender's claim about itself plus its full
// membership table piggybacked for anti-entropy.
type msgPing struct {
	base
	From  NodeInfo   `cbor:"f"`
	Table []NodeInfo `cbor:"tb"`
}

// msgAck answers a ping with the receiver's table.
type msgAck struct {
	base
	From  NodeInfo   `cbor:"f"`
	Table []NodeInfo `cbor:"tb"`
}

type msgGet struct {
	base
	Key string `cbor:"k"`
}

type msgGetResp struct {
	base
	Found bool   `cbor:"f"`
	Val   []byte `cbor:"v,omitempty"`
	Err   string `cbor:"err,omitempty"`
}

type msgSet struct {
	base
	Key string `cbor:"k"`
	Val []byte `cbor:"v"`
}

type msgSetResp struct {
	base
	OK  bool   `cbor:"ok"`
	Err string `cbor:"err,omitempty"`
}

type msgDel struct {
	base
	Key string `cbor:"k"`
}

type msgDelResp struct {
	base
	OK  bool   `cbor:"ok"`
	Err string `cbor:"err,omitempty"`
}
