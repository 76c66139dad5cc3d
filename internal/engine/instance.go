package engine

import (
	"errors"
	"net"
	"sync"
	"time"

	"surface-mixer/pkg/graph"
)

// Instance is a constructed pipeline. Every engine resource it owns is
// released by Teardown.
type Instance struct {
	id      string
	engine  *Engine
	desc    *graph.Description
	onEvent func(graph.Event)

	mu       sync.Mutex
	state    graph.State
	tornDown bool
	wg       sync.WaitGroup

	elements map[string]element
	sources  []*source
	sinks    []*sink
}

func (i *Instance) ID() string {
	return i.id
}

// Description returns the description the instance was built from.
func (i *Instance) Description() *graph.Description {
	return i.desc
}

func (i *Instance) State() graph.State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Start begins reading every source and draining every sink.
func (i *Instance) Start() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.tornDown {
		return ErrTornDown
	}
	if i.state == graph.StatePlaying {
		return nil
	}
	// everything that can fail runs before the first goroutine starts, so a
	// failed Start leaves nothing for Stop or Teardown to wait on
	for _, s := range i.sources {
		if err := s.conn.SetReadDeadline(time.Time{}); err != nil {
			i.rearmDeadlines()
			return err
		}
	}
	for _, s := range i.sinks {
		s.pacer.start()
	}
	for _, s := range i.sources {
		s.stopping.set(false)
		i.wg.Add(1)
		go s.run(&i.wg)
	}
	i.setStateLocked(graph.StatePlaying)
	return nil
}

// rearmDeadlines restores the stopped read deadline on every source.
func (i *Instance) rearmDeadlines() {
	now := time.Now()
	for _, s := range i.sources {
		_ = s.conn.SetReadDeadline(now)
	}
}

// Stop halts reading and sending but keeps the endpoints bound.
func (i *Instance) Stop() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.stopLocked()
}

func (i *Instance) stopLocked() error {
	if i.state != graph.StatePlaying {
		return nil
	}
	var errs []error
	for _, s := range i.sources {
		s.stopping.set(true)
		if err := s.conn.SetReadDeadline(time.Now()); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	i.wg.Wait()
	for _, s := range i.sinks {
		s.pacer.stop()
	}
	i.setStateLocked(graph.StateReady)
	i.emit(graph.Event{Type: graph.EventEOS})
	return errors.Join(errs...)
}

// Teardown stops the instance and closes every endpoint. The ports are free
// for rebinding once it returns.
func (i *Instance) Teardown() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.tornDown {
		return nil
	}
	err := i.stopLocked()
	if cerr := i.releaseLocked(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	i.tornDown = true
	i.setStateLocked(graph.StateNull)
	i.engine.forget(i.id)
	return err
}

func (i *Instance) releaseLocked() error {
	var errs []error
	for _, s := range i.sources {
		if err := s.close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	for _, s := range i.sinks {
		if err := s.close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Sinks returns the output endpoints in description order.
func (i *Instance) Sinks() []graph.Sink {
	out := make([]graph.Sink, 0, len(i.sinks))
	for _, s := range i.sinks {
		out = append(out, s)
	}
	return out
}

// SourceAddr returns the bound address of a source node.
func (i *Instance) SourceAddr(node string) (*net.UDPAddr, bool) {
	for _, s := range i.sources {
		if s.id == node {
			return s.LocalAddr(), true
		}
	}
	return nil, false
}

// Stats returns the counters of every node in description order.
func (i *Instance) Stats() []NodeStats {
	out := make([]NodeStats, 0, len(i.desc.Nodes))
	for _, n := range i.desc.Nodes {
		if e, ok := i.elements[n.ID]; ok {
			out = append(out, e.stats())
		}
	}
	return out
}

func (i *Instance) setStateLocked(s graph.State) {
	old := i.state
	i.state = s
	if old != s {
		i.emit(graph.Event{Type: graph.EventStateChanged, Old: old, New: s})
	}
}

// emit dispatches ev on the engine worker.
func (i *Instance) emit(ev graph.Event) {
	if i.onEvent == nil {
		return
	}
	ev.Pipeline = i.id
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	f := i.onEvent
	i.engine.worker.Submit(func() { f(ev) })
}
