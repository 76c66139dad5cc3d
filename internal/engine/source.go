package engine

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"surface-mixer/internal/log"
	"surface-mixer/pkg/graph"
)

const maxPktSize = 64 * 1024

var packetFactory = &sync.Pool{
	New: func() interface{} {
		return make([]byte, maxPktSize)
	},
}

// source receives a client's stream on its inbound endpoint.
type source struct {
	base
	inst     *Instance
	endpoint graph.Endpoint
	conn     *net.UDPConn

	stopping atomicBool
	started  atomicBool

	rtcpPackets   uint64
	senderReports uint64
	lastSRNTP     uint64
}

func openSource(inst *Instance, n graph.Node) (*source, error) {
	laddr, err := net.ResolveUDPAddr("udp", n.Endpoint.String())
	if err != nil {
		return nil, fmt.Errorf("%w: source %s resolve %s: %v", graph.ErrEndpointBind, n.ID, n.Endpoint, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("%w: source %s listen %s: %v", graph.ErrEndpointBind, n.ID, n.Endpoint, err)
	}
	return &source{
		base:     base{id: n.ID, kind: n.Kind},
		inst:     inst,
		endpoint: n.Endpoint,
		conn:     conn,
	}, nil
}

// LocalAddr is the bound address, useful when the endpoint port was 0.
func (s *source) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

func (s *source) push(p *rtp.Packet) {
	s.count(p)
	s.forward(p)
}

func (s *source) run(wg *sync.WaitGroup) {
	defer wg.Done()
	buf := packetFactory.Get().([]byte)
	defer packetFactory.Put(buf)

	for {
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if s.stopping.get() || errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrDeadlineExceeded) {
				return
			}
			s.inst.emit(graph.Event{Type: graph.EventError, Node: s.id,
				Err: fmt.Errorf("%w: read %s: %v", graph.ErrEngineFault, s.endpoint, err)})
			return
		}
		s.handle(buf[:n])
	}
}

func (s *source) handle(b []byte) {
	if isRTCP(b) {
		s.handleRTCP(b)
		return
	}
	var pkt rtp.Packet
	if err := pkt.Unmarshal(b); err != nil {
		atomic.AddUint64(&s.dropped, 1)
		log.Debugf("source %s drop malformed packet: %v", s.id, err)
		return
	}
	if !s.started.get() {
		s.started.set(true)
		s.inst.emit(graph.Event{Type: graph.EventStreamStart, Node: s.id})
	}
	s.push(&pkt)
}

func (s *source) handleRTCP(b []byte) {
	atomic.AddUint64(&s.rtcpPackets, 1)
	pkts, err := rtcp.Unmarshal(b)
	if err != nil {
		atomic.AddUint64(&s.dropped, 1)
		log.Debugf("source %s unmarshal rtcp: %v", s.id, err)
		return
	}
	for _, pkt := range pkts {
		switch pkt := pkt.(type) {
		case *rtcp.SenderReport:
			atomic.AddUint64(&s.senderReports, 1)
			atomic.StoreUint64(&s.lastSRNTP, pkt.NTPTime)
		case *rtcp.Goodbye:
			s.inst.emit(graph.Event{Type: graph.EventEOS, Node: s.id})
		}
	}
}

func (s *source) close() error {
	return s.conn.Close()
}
