package engine

import (
	"hash/fnv"
	"sync/atomic"
)

type atomicBool int32

func (a *atomicBool) set(value bool) {
	var i int32
	if value {
		i = 1
	}
	atomic.StoreInt32((*int32)(a), i)
}

func (a *atomicBool) get() bool {
	return atomic.LoadInt32((*int32)(a)) != 0
}

// ssrcFor derives a stable synchronization source for a mixer output.
func ssrcFor(pipeline, node string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(pipeline))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(node))
	return h.Sum32()
}

// isRTCP applies the RFC 5761 demultiplexing rule to the second header byte.
func isRTCP(b []byte) bool {
	return len(b) >= 2 && b[1] >= 192 && b[1] <= 223
}
