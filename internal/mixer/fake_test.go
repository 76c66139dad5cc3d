package mixer

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"surface-mixer/pkg/graph"
)

// manualScheduler queues timers until fire is called.
type manualScheduler struct {
	mu      sync.Mutex
	pending map[int]func()
	next    int
}

func newManualScheduler() *manualScheduler {
	return &manualScheduler{pending: make(map[int]func())}
}

func (s *manualScheduler) AfterFunc(_ time.Duration, f func()) func() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	s.pending[id] = f
	return func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, ok := s.pending[id]
		delete(s.pending, id)
		return ok
	}
}

// fire runs every pending timer once.
func (s *manualScheduler) fire() int {
	s.mu.Lock()
	ids := make([]int, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.pending[id])
		delete(s.pending, id)
	}
	s.mu.Unlock()

	for _, f := range fns {
		f()
	}
	return len(fns)
}

func (s *manualScheduler) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

type fakeSink struct {
	id    string
	bytes uint64
}

func (s *fakeSink) ID() string        { return s.id }
func (s *fakeSink) BytesSent() uint64 { return atomic.LoadUint64(&s.bytes) }
func (s *fakeSink) add(n uint64)      { atomic.AddUint64(&s.bytes, n) }
func (s *fakeSink) set(n uint64)      { atomic.StoreUint64(&s.bytes, n) }

// fakeEngine binds ports in a shared table so a leaked instance makes the
// next build fail the way a real socket would.
type fakeEngine struct {
	mu        sync.Mutex
	bound     map[int]string
	live      map[string]*fakeInstance
	builds    []*graph.Description
	buildErr  error
	startErr  error
	maxLive   int
	onEvent   func(graph.Event)
	lastBuilt *fakeInstance
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{bound: make(map[int]string), live: make(map[string]*fakeInstance)}
}

func (e *fakeEngine) Build(desc *graph.Description, onEvent func(graph.Event)) (graph.Instance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.builds = append(e.builds, desc)
	if e.buildErr != nil {
		return nil, e.buildErr
	}

	inst := &fakeInstance{engine: e, id: desc.ID}
	for _, n := range desc.Nodes {
		if n.Kind != graph.KindSource && n.Kind != graph.KindSink {
			continue
		}
		if n.Kind == graph.KindSource {
			if owner, ok := e.bound[n.Endpoint.Port]; ok {
				e.releaseLocked(inst)
				return nil, fmt.Errorf("%w: port %d held by %s", graph.ErrEndpointBind, n.Endpoint.Port, owner)
			}
			e.bound[n.Endpoint.Port] = desc.ID
			inst.ports = append(inst.ports, n.Endpoint.Port)
		} else {
			inst.sinks = append(inst.sinks, &fakeSink{id: n.ID})
		}
	}
	e.live[desc.ID] = inst
	if len(e.live) > e.maxLive {
		e.maxLive = len(e.live)
	}
	e.onEvent = onEvent
	e.lastBuilt = inst
	return inst, nil
}

func (e *fakeEngine) releaseLocked(inst *fakeInstance) {
	for _, p := range inst.ports {
		delete(e.bound, p)
	}
	inst.ports = nil
	delete(e.live, inst.id)
}

func (e *fakeEngine) liveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.live)
}

func (e *fakeEngine) boundPorts() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]int, 0, len(e.bound))
	for p := range e.bound {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

func (e *fakeEngine) emit(ev graph.Event) {
	e.mu.Lock()
	f := e.onEvent
	e.mu.Unlock()
	f(ev)
}

type fakeInstance struct {
	engine   *fakeEngine
	id       string
	ports    []int
	sinks    []*fakeSink
	started  int
	stopped  int
	tornDown bool
}

func (i *fakeInstance) ID() string { return i.id }

func (i *fakeInstance) Start() error {
	i.engine.mu.Lock()
	defer i.engine.mu.Unlock()
	if i.tornDown {
		return errors.New("torn down")
	}
	if i.engine.startErr != nil {
		return i.engine.startErr
	}
	i.started++
	return nil
}

func (i *fakeInstance) Stop() error {
	i.engine.mu.Lock()
	defer i.engine.mu.Unlock()
	i.stopped++
	return nil
}

func (i *fakeInstance) Teardown() error {
	i.engine.mu.Lock()
	defer i.engine.mu.Unlock()
	i.tornDown = true
	i.engine.releaseLocked(i)
	return nil
}

func (i *fakeInstance) Sinks() []graph.Sink {
	out := make([]graph.Sink, len(i.sinks))
	for n, s := range i.sinks {
		out[n] = s
	}
	return out
}
