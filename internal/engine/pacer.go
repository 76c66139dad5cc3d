package engine

import (
	"sync"
	"time"

	"github.com/gammazero/deque"
)

const (
	pacingInterval = 5 * time.Millisecond
	maxQueued      = 1024
)

// pacer drains queued datagrams on a fixed interval. A zero target bitrate
// drains the whole queue every tick.
type pacer struct {
	targetBitrate uint64
	write         func([]byte) (int, error)

	lock     sync.Mutex
	packets  deque.Deque[[]byte]
	lastSend time.Time
	dropped  uint64

	running bool
	done    chan struct{}
	exited  chan struct{}
}

func newPacer(targetBitrate uint64, write func([]byte) (int, error)) *pacer {
	p := &pacer{
		targetBitrate: targetBitrate,
		write:         write,
	}
	p.packets.SetMinCapacity(9)
	return p
}

func (p *pacer) enqueue(b []byte) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.packets.Len() >= maxQueued {
		p.packets.PopFront()
		p.dropped++
	}
	p.packets.PushBack(b)
}

func (p *pacer) start() {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.lastSend = time.Now()
	p.done = make(chan struct{})
	p.exited = make(chan struct{})
	go p.run(p.done, p.exited)
}

// stop halts the drain loop and discards anything still queued.
func (p *pacer) stop() {
	p.lock.Lock()
	if !p.running {
		p.lock.Unlock()
		return
	}
	p.running = false
	close(p.done)
	exited := p.exited
	p.lock.Unlock()

	<-exited
	p.lock.Lock()
	p.packets.Clear()
	p.lock.Unlock()
}

func (p *pacer) run(done, exited chan struct{}) {
	defer close(exited)
	ticker := time.NewTicker(pacingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			budget := -1
			if p.targetBitrate > 0 {
				delta := float64(now.Sub(p.lastSend).Milliseconds())
				budget = int(delta * float64(p.targetBitrate) / 8000.0)
			}
			p.lock.Lock()
			for p.packets.Len() != 0 && budget != 0 {
				b := p.packets.PopFront()
				p.lock.Unlock()
				_, _ = p.write(b)
				p.lastSend = now
				if budget > 0 {
					budget -= len(b)
					if budget < 0 {
						budget = 0
					}
				}
				p.lock.Lock()
			}
			p.lock.Unlock()
		}
	}
}
