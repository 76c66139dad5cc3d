// Package engine is an in-process media pipeline engine. It instantiates a
// graph.Description on UDP sockets and forwards RTP between the stages; codec
// work (decode, scale, key, encode) is left to a real media framework.
package engine

import (
	"fmt"
	"sort"
	"sync"

	"surface-mixer/internal/log"
	"surface-mixer/pkg/graph"
)

// Engine builds pipeline instances. All instances share one background
// worker for events and timers.
type Engine struct {
	worker        *Worker
	pacingBitrate uint64

	mu   sync.Mutex
	live map[string]*Instance
}

type Option func(*Engine)

// WithWorker shares an existing worker.
func WithWorker(w *Worker) Option {
	return func(e *Engine) { e.worker = w }
}

// WithPacingBitrate limits every sink to bps bits per second. Zero disables pacing.
func WithPacingBitrate(bps uint64) Option {
	return func(e *Engine) { e.pacingBitrate = bps }
}

func New(opts ...Option) *Engine {
	e := &Engine{
		live: make(map[string]*Instance),
	}
	for _, o := range opts {
		o(e)
	}
	if e.worker == nil {
		e.worker = NewWorker()
	}
	return e
}

// Worker returns the engine's background worker.
func (e *Engine) Worker() *Worker {
	return e.worker
}

// Live returns the ids of instances that have been built and not torn down.
func (e *Engine) Live() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.live))
	for id := range e.live {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *Engine) forget(id string) {
	e.mu.Lock()
	delete(e.live, id)
	e.mu.Unlock()
}

// Build binds every endpoint of desc and links the stages. On any failure
// every socket opened so far is closed before the error is returned.
func (e *Engine) Build(desc *graph.Description, onEvent func(graph.Event)) (graph.Instance, error) {
	inst, err := e.build(desc, onEvent)
	if err != nil {
		return nil, err
	}
	return inst, nil
}

func (e *Engine) build(desc *graph.Description, onEvent func(graph.Event)) (*Instance, error) {
	if desc.Empty() {
		return nil, errEmptyGraph
	}
	inst := &Instance{
		id:       desc.ID,
		engine:   e,
		desc:     desc,
		onEvent:  onEvent,
		elements: make(map[string]element, len(desc.Nodes)),
	}

	for _, n := range desc.Nodes {
		el, err := e.newElement(inst, desc, n)
		if err != nil {
			if rerr := inst.releaseLocked(); rerr != nil {
				log.Errorf("pipeline %s rollback: %v", desc.ID, rerr)
			}
			log.Warnf("pipeline %s rolled back: %v", desc.ID, err)
			return nil, err
		}
		inst.elements[n.ID] = el
	}

	for _, edge := range desc.Edges {
		from, ok := inst.elements[edge.From]
		to, ok2 := inst.elements[edge.To]
		if !ok || !ok2 {
			_ = inst.releaseLocked()
			return nil, fmt.Errorf("%w: %s -> %s", errUnknownNode, edge.From, edge.To)
		}
		from.link(to)
	}

	e.mu.Lock()
	e.live[inst.id] = inst
	e.mu.Unlock()

	inst.mu.Lock()
	inst.setStateLocked(graph.StateReady)
	inst.mu.Unlock()
	log.Debugf("pipeline %s built: %d nodes, %d edges", desc.ID, len(desc.Nodes), len(desc.Edges))
	return inst, nil
}

func (e *Engine) newElement(inst *Instance, desc *graph.Description, n graph.Node) (element, error) {
	switch n.Kind {
	case graph.KindSource:
		s, err := openSource(inst, n)
		if err != nil {
			return nil, err
		}
		inst.sources = append(inst.sources, s)
		return s, nil
	case graph.KindSink:
		s, err := openSink(inst, n, e.pacingBitrate)
		if err != nil {
			return nil, err
		}
		inst.sinks = append(inst.sinks, s)
		return s, nil
	case graph.KindIngest, graph.KindEgress:
		return newChain(n), nil
	case graph.KindTee:
		return &tee{base: base{id: n.ID, kind: n.Kind}}, nil
	case graph.KindComposite:
		return &composite{
			base:     base{id: n.ID, kind: n.Kind},
			from:     n.From,
			width:    n.Width,
			height:   n.Height,
			keyColor: n.KeyColor,
		}, nil
	case graph.KindMixer:
		return &mixer{
			base: base{id: n.ID, kind: n.Kind},
			ssrc: ssrcFor(desc.ID, n.ID),
		}, nil
	}
	return nil, fmt.Errorf("%w: node %s kind %d", errUnknownKind, n.ID, n.Kind)
}
