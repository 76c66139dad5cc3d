package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type writeRecorder struct {
	mu     sync.Mutex
	writes [][]byte
}

func (w *writeRecorder) write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes = append(w.writes, b)
	return len(b), nil
}

func (w *writeRecorder) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.writes)
}

func TestPacerDrainsQueue(t *testing.T) {
	rec := &writeRecorder{}
	p := newPacer(0, rec.write)
	p.start()
	defer p.stop()

	for i := 0; i < 10; i++ {
		p.enqueue([]byte{byte(i)})
	}
	assert.Eventually(t, func() bool { return rec.count() == 10 }, time.Second, pacingInterval)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i, b := range rec.writes {
		assert.Equal(t, byte(i), b[0])
	}
}

func TestPacerDropsOldestWhenFull(t *testing.T) {
	rec := &writeRecorder{}
	p := newPacer(0, rec.write)
	for i := 0; i < maxQueued+5; i++ {
		p.enqueue([]byte{byte(i)})
	}
	assert.Equal(t, maxQueued, p.packets.Len())
	assert.Equal(t, uint64(5), p.dropped)
	assert.Equal(t, byte(5), p.packets.Front()[0])
}

func TestPacerStopDiscardsAndRestarts(t *testing.T) {
	rec := &writeRecorder{}
	p := newPacer(0, rec.write)
	p.start()
	p.stop()
	p.stop()

	p.enqueue([]byte{1})
	p.start()
	assert.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, pacingInterval)
	p.stop()

	p.enqueue([]byte{2})
	p.stop()
	assert.Equal(t, 1, p.packets.Len())
	p.start()
	p.stop()
}

func TestPacerLimitsBitrate(t *testing.T) {
	rec := &writeRecorder{}
	// 80 kbit/s is 10 bytes per millisecond, 50 bytes per tick
	p := newPacer(80000, rec.write)
	for i := 0; i < 100; i++ {
		p.enqueue(make([]byte, 100))
	}
	p.start()
	time.Sleep(50 * time.Millisecond)
	p.stop()

	assert.Greater(t, rec.count(), 0)
	assert.Less(t, rec.count(), 100)
}
