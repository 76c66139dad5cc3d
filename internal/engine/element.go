package engine

import (
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"

	"surface-mixer/pkg/graph"
)

// element is one node of a running instance. push is called from the source
// read goroutines; elements fed by several sources must lock.
type element interface {
	nodeID() string
	link(next element)
	push(p *rtp.Packet)
	stats() NodeStats
}

// NodeStats is the per node packet counter.
type NodeStats struct {
	Node    string
	Kind    graph.Kind
	Packets uint64
	Bytes   uint64
	Dropped uint64
}

type base struct {
	id      string
	kind    graph.Kind
	outs    []element
	packets uint64
	bytes   uint64
	dropped uint64
}

func (b *base) nodeID() string {
	return b.id
}

func (b *base) link(next element) {
	b.outs = append(b.outs, next)
}

func (b *base) count(p *rtp.Packet) {
	atomic.AddUint64(&b.packets, 1)
	atomic.AddUint64(&b.bytes, uint64(len(p.Payload)))
}

func (b *base) forward(p *rtp.Packet) {
	for _, o := range b.outs {
		o.push(p)
	}
}

func (b *base) stats() NodeStats {
	return NodeStats{
		Node:    b.id,
		Kind:    b.kind,
		Packets: atomic.LoadUint64(&b.packets),
		Bytes:   atomic.LoadUint64(&b.bytes),
		Dropped: atomic.LoadUint64(&b.dropped),
	}
}

// chain runs an ingest or egress chain. Depacketizing happens in the source
// and decode/encode are pass-through here; on egress the packetize stage
// stamps the client's payload type.
type chain struct {
	base
	stages      []graph.Stage
	payloadType uint8
	egress      bool
}

func newChain(n graph.Node) *chain {
	return &chain{
		base:        base{id: n.ID, kind: n.Kind},
		stages:      n.Chain,
		payloadType: n.PayloadType,
		egress:      n.Kind == graph.KindEgress,
	}
}

func (c *chain) push(p *rtp.Packet) {
	c.count(p)
	if c.egress && c.payloadType != 0 {
		p.PayloadType = c.payloadType
	}
	c.forward(p)
}

// tee hands every output its own header copy.
type tee struct {
	base
}

func (t *tee) push(p *rtp.Packet) {
	t.count(p)
	for _, o := range t.outs {
		cp := *p
		o.push(&cp)
	}
}

// composite carries the target size and key colour of one route.
type composite struct {
	base
	from     string
	width    int
	height   int
	keyColor string
}

func (c *composite) push(p *rtp.Packet) {
	c.count(p)
	c.forward(p)
}

// mixer merges every route into one stream: a single SSRC with continuous
// sequence numbers, the input SSRC listed as contributing source.
type mixer struct {
	base
	mu   sync.Mutex
	ssrc uint32
	seq  uint16
}

func (m *mixer) push(p *rtp.Packet) {
	m.count(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	p.CSRC = []uint32{p.SSRC}
	p.SSRC = m.ssrc
	p.SequenceNumber = m.seq
	m.seq++
	m.forward(p)
}
