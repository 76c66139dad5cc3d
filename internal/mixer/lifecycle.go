package mixer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lucsky/cuid"
	"github.com/rs/zerolog"

	"surface-mixer/internal/log"
	"surface-mixer/pkg/graph"
)

// State of the lifecycle manager.
type State int

const (
	StateIdle State = iota
	StateRunning
)

func (s State) String() string {
	if s == StateRunning {
		return "running"
	}
	return "idle"
}

// pipelineHandle owns the single running graph.
type pipelineHandle struct {
	id       string
	desc     *graph.Description
	instance graph.Instance
	sinks    []graph.Sink
	clients  []ClientDescriptor
	created  time.Time
	faulted  atomicBool
}

func (h *pipelineHandle) hasClient(id string) bool {
	for _, c := range h.clients {
		if c.ID == id {
			return true
		}
	}
	return false
}

// Status is a point in time view of the manager.
type Status struct {
	State    State
	Pipeline string
	Policy   string
	Clients  []string
	Routes   int
	Sinks    []string
	Faulted  bool
	Created  time.Time
	Width    int
	Height   int
}

// Manager owns the active pipeline and serializes every transition.
type Manager struct {
	mu      sync.Mutex
	engine  graph.Engine
	monitor *StatsMonitor
	metrics *Metrics
	logger  zerolog.Logger
	now     func() time.Time
	newID   func() string
	config  Config

	active  *pipelineHandle
	clients []ClientDescriptor
	onEvent func(graph.Event)
}

type Option func(*Manager)

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

func WithConfig(c Config) Option {
	return func(m *Manager) { m.config = c }
}

// WithEventHandler forwards every engine event after the manager handled it.
func WithEventHandler(f func(graph.Event)) Option {
	return func(m *Manager) { m.onEvent = f }
}

func WithIDGenerator(f func() string) Option {
	return func(m *Manager) { m.newID = f }
}

// NewManager creates an idle manager. monitor may be nil.
func NewManager(engine graph.Engine, monitor *StatsMonitor, opts ...Option) *Manager {
	m := &Manager{
		engine:  engine,
		monitor: monitor,
		logger:  log.With("lifecycle"),
		now:     time.Now,
		newID:   cuid.New,
		config:  DefaultConfig(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// UpdatePipelines replaces the active graph with one built for clients. The
// call blocks until the new graph is running or everything has been rolled
// back. Synthesis errors leave the active graph untouched.
func (m *Manager) UpdatePipelines(clients []ClientDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rebuildLocked(clients)
}

// RemovePipeline tears the active graph down when id names it or one of its
// clients.
func (m *Manager) RemovePipeline(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil || (m.active.id != id && !m.active.hasClient(id)) {
		return fmt.Errorf("%w: pipeline %s", ErrNotFound, id)
	}
	m.teardownLocked("removed")
	m.clients = nil
	m.metrics.topology(0, 0)
	return nil
}

// SetMergedSize changes the composite resolution and rebuilds immediately
// when clients are known.
func (m *Manager) SetMergedSize(width, height int) error {
	cfg := m.Config()
	cfg.MergedWidth, cfg.MergedHeight = width, height
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.config = cfg
	m.logger.Info().Int("width", width).Int("height", height).Msg("merged stream size changed")
	if len(m.clients) == 0 && m.active == nil {
		return nil
	}
	return m.rebuildLocked(m.clients)
}

// Config returns the current topology configuration.
func (m *Manager) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config
}

// State reports whether a graph is running.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return StateIdle
	}
	return StateRunning
}

// Description returns the active graph description, nil when idle.
func (m *Manager) Description() *graph.Description {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil
	}
	return m.active.desc
}

// Clients returns the snapshot of the last accepted rebuild.
func (m *Manager) Clients() []ClientDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ClientDescriptor(nil), m.clients...)
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{State: StateIdle, Width: m.config.MergedWidth, Height: m.config.MergedHeight}
	h := m.active
	if h == nil {
		return st
	}
	st.State = StateRunning
	st.Pipeline = h.id
	st.Policy = h.desc.Policy
	st.Routes = len(h.desc.Routes)
	st.Faulted = h.faulted.get()
	st.Created = h.created
	for _, c := range h.clients {
		st.Clients = append(st.Clients, c.ID)
	}
	for _, s := range h.sinks {
		st.Sinks = append(st.Sinks, s.ID())
	}
	return st
}

// Close tears down the active graph.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		m.teardownLocked("closed")
	}
	return nil
}

func (m *Manager) rebuildLocked(clients []ClientDescriptor) error {
	snapshot := append([]ClientDescriptor(nil), clients...)

	desc, err := Synthesize(snapshot, m.config)
	if err != nil {
		m.metrics.rebuild("rejected")
		m.logger.Error().Err(err).Int("clients", len(snapshot)).Msg("topology synthesis failed")
		return err
	}

	// the old graph must release its ports before the new one binds them
	if m.active != nil {
		m.teardownLocked("rebuild")
	}
	m.clients = snapshot

	if desc.Empty() {
		m.metrics.rebuild("idle")
		m.metrics.topology(0, 0)
		m.logger.Info().Msg("no clients connected, pipeline idle")
		return nil
	}

	desc.ID = m.newID()
	instance, err := m.engine.Build(desc, m.handleEvent)
	if err != nil {
		m.metrics.rebuild("failed")
		m.metrics.topology(0, 0)
		m.logger.Error().Err(err).Str("pipeline", desc.ID).Msg("pipeline construction failed")
		if errors.Is(err, ErrEndpointBind) || errors.Is(err, ErrEngineFault) {
			return err
		}
		return fmt.Errorf("%w: build pipeline %s: %v", ErrEngineFault, desc.ID, err)
	}
	if err := instance.Start(); err != nil {
		if terr := instance.Teardown(); terr != nil {
			m.logger.Error().Err(terr).Str("pipeline", desc.ID).Msg("rollback after failed start")
		}
		m.metrics.rebuild("failed")
		m.metrics.topology(0, 0)
		m.logger.Error().Err(err).Str("pipeline", desc.ID).Msg("pipeline start failed")
		return fmt.Errorf("%w: start pipeline %s: %v", ErrEngineFault, desc.ID, err)
	}

	h := &pipelineHandle{
		id:       desc.ID,
		desc:     desc,
		instance: instance,
		sinks:    instance.Sinks(),
		clients:  snapshot,
		created:  m.now(),
	}
	if m.monitor != nil {
		for _, s := range h.sinks {
			m.monitor.Attach(s)
		}
	}
	m.active = h

	m.metrics.rebuild("running")
	m.metrics.topology(len(snapshot), len(desc.Routes))
	m.logger.Info().
		Str("pipeline", h.id).
		Str("policy", desc.Policy).
		Int("clients", len(snapshot)).
		Int("routes", len(desc.Routes)).
		Int("self_routes", desc.SelfRoutes()).
		Msg("pipeline running")
	m.logger.Debug().Str("pipeline", h.id).Msg(desc.Dot())
	return nil
}

// teardownLocked detaches monitors, then stops and releases the engine
// instance. The manager is idle afterwards.
func (m *Manager) teardownLocked(reason string) {
	h := m.active
	m.active = nil
	if h == nil {
		return
	}
	if m.monitor != nil {
		for _, s := range h.sinks {
			if err := m.monitor.Detach(s.ID()); err != nil && !errors.Is(err, ErrNotFound) {
				m.logger.Warn().Err(err).Str("sink", s.ID()).Msg("detach stats monitor")
			}
		}
	}
	if err := h.instance.Stop(); err != nil {
		m.logger.Warn().Err(err).Str("pipeline", h.id).Msg("stop pipeline")
	}
	if err := h.instance.Teardown(); err != nil {
		m.logger.Error().Err(err).Str("pipeline", h.id).Msg("teardown pipeline")
	}
	m.logger.Info().Str("pipeline", h.id).Str("reason", reason).Msg("pipeline torn down")
}

// handleEvent runs on the engine's background worker.
func (m *Manager) handleEvent(ev graph.Event) {
	l := m.logger.With().Str("pipeline", ev.Pipeline).Str("node", ev.Node).Logger()
	switch ev.Type {
	case graph.EventError:
		l.Error().Err(ev.Err).Msg("pipeline error")
		m.stopFaulted(ev.Pipeline)
	case graph.EventWarning:
		l.Warn().Err(ev.Err).Msg("pipeline warning")
	case graph.EventStateChanged:
		l.Debug().Str("from", ev.Old.String()).Str("to", ev.New.String()).Msg("state changed")
	case graph.EventStreamStart:
		l.Info().Msg("stream start")
	case graph.EventEOS:
		l.Info().Msg("end of stream")
	}
	if m.onEvent != nil {
		m.onEvent(ev)
	}
}

// stopFaulted halts a faulted graph. It stays the active handle, keeping its
// ports, until the next rebuild or remove.
func (m *Manager) stopFaulted(pipeline string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.active
	if h == nil || h.id != pipeline || h.faulted.get() {
		return
	}
	h.faulted.set(true)
	m.metrics.rebuild("faulted")
	if err := h.instance.Stop(); err != nil {
		m.logger.Warn().Err(err).Str("pipeline", h.id).Msg("stop faulted pipeline")
	}
}
