package engine

import (
	"fmt"
	"net"
	"sync/atomic"

	"github.com/pion/rtp"

	"surface-mixer/pkg/graph"
)

// sink sends a client's composite stream to its outbound endpoint.
type sink struct {
	base
	inst      *Instance
	endpoint  graph.Endpoint
	conn      *net.UDPConn
	pacer     *pacer
	bytesSent uint64
	failing   atomicBool
}

func openSink(inst *Instance, n graph.Node, bitrate uint64) (*sink, error) {
	raddr, err := net.ResolveUDPAddr("udp", n.Endpoint.String())
	if err != nil {
		return nil, fmt.Errorf("%w: sink %s resolve %s: %v", graph.ErrEndpointBind, n.ID, n.Endpoint, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("%w: sink %s dial %s: %v", graph.ErrEndpointBind, n.ID, n.Endpoint, err)
	}
	s := &sink{
		base:     base{id: n.ID, kind: n.Kind},
		inst:     inst,
		endpoint: n.Endpoint,
		conn:     conn,
	}
	s.pacer = newPacer(bitrate, s.write)
	return s, nil
}

func (s *sink) ID() string {
	return s.id
}

// BytesSent is the cumulative number of bytes written to the network.
func (s *sink) BytesSent() uint64 {
	return atomic.LoadUint64(&s.bytesSent)
}

func (s *sink) push(p *rtp.Packet) {
	s.count(p)
	b, err := p.Marshal()
	if err != nil {
		atomic.AddUint64(&s.dropped, 1)
		return
	}
	s.pacer.enqueue(b)
}

func (s *sink) write(b []byte) (int, error) {
	n, err := s.conn.Write(b)
	if err != nil {
		atomic.AddUint64(&s.dropped, 1)
		// report once per failure streak, a peer that is not listening yet is normal
		if !s.failing.get() {
			s.failing.set(true)
			s.inst.emit(graph.Event{Type: graph.EventWarning, Node: s.id,
				Err: fmt.Errorf("write to %s: %w", s.endpoint, err)})
		}
		return 0, err
	}
	s.failing.set(false)
	atomic.AddUint64(&s.bytesSent, uint64(n))
	return n, nil
}

func (s *sink) close() error {
	s.pacer.stop()
	return s.conn.Close()
}
