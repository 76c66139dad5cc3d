package graph

import "errors"

var (
	// ErrEndpointBind is returned by an engine when a source or sink endpoint
	// cannot be bound or resolved.
	ErrEndpointBind = errors.New("endpoint bind failure")
	// ErrEngineFault marks asynchronous or start-time engine errors.
	ErrEngineFault = errors.New("engine fault")
)

// Engine instantiates descriptions. Build must either return a fully
// constructed instance or release everything it allocated.
type Engine interface {
	Build(desc *Description, onEvent func(Event)) (Instance, error)
}

// Instance is a constructed pipeline.
type Instance interface {
	ID() string
	Start() error
	Stop() error
	Teardown() error
	Sinks() []Sink
}

// Sink is an output endpoint exposing a cumulative byte counter.
type Sink interface {
	ID() string
	BytesSent() uint64
}
