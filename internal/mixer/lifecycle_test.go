package mixer

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"surface-mixer/pkg/graph"
)

type lifecycleFixture struct {
	engine  *fakeEngine
	sched   *manualScheduler
	monitor *StatsMonitor
	manager *Manager
	events  []graph.Event
	mu      sync.Mutex
}

func newLifecycleFixture(opts ...Option) *lifecycleFixture {
	f := &lifecycleFixture{engine: newFakeEngine(), sched: newManualScheduler()}
	f.monitor = NewStatsMonitor(f.sched, WithMonitorLogger(zerolog.Nop()))
	n := 0
	base := []Option{
		WithLogger(zerolog.Nop()),
		WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("p%d", n)
		}),
		WithEventHandler(func(ev graph.Event) {
			f.mu.Lock()
			f.events = append(f.events, ev)
			f.mu.Unlock()
		}),
	}
	f.manager = NewManager(f.engine, f.monitor, append(base, opts...)...)
	return f
}

func TestUpdatePipelinesStartsGraph(t *testing.T) {
	f := newLifecycleFixture()
	require.NoError(t, f.manager.UpdatePipelines(testClients(2, ModeOther)))

	assert.Equal(t, StateRunning, f.manager.State())
	assert.Equal(t, 1, f.engine.liveCount())
	assert.Equal(t, 1, f.engine.lastBuilt.started)
	assert.Equal(t, []string{"c1/sink", "c2/sink"}, f.monitor.Attached())
	assert.Equal(t, 2, f.sched.len())

	desc := f.manager.Description()
	require.NotNil(t, desc)
	assert.Equal(t, "p1", desc.ID)
	assert.Len(t, desc.Routes, 2)
}

func TestRemovingClientRebuildsSmallerGraph(t *testing.T) {
	f := newLifecycleFixture()
	two := testClients(2, ModeOther)
	require.NoError(t, f.manager.UpdatePipelines(two))
	require.NoError(t, f.manager.UpdatePipelines(two[:1]))

	assert.Equal(t, 1, f.engine.maxLive)
	assert.Equal(t, []int{two[0].Inbound.Port}, f.engine.boundPorts())
	assert.Equal(t, []string{"c1/sink"}, f.monitor.Attached())

	want, err := Synthesize(two[:1], DefaultConfig())
	require.NoError(t, err)
	got := f.manager.Description()
	assert.True(t, graph.Isomorphic(want, got))
	assert.Equal(t, 1, got.SelfRoutes())
}

func TestEmptyUpdateGoesIdle(t *testing.T) {
	f := newLifecycleFixture()
	require.NoError(t, f.manager.UpdatePipelines(testClients(3, ModeOther)))
	require.NoError(t, f.manager.UpdatePipelines(nil))

	assert.Equal(t, StateIdle, f.manager.State())
	assert.Nil(t, f.manager.Description())
	assert.Equal(t, 0, f.engine.liveCount())
	assert.Empty(t, f.monitor.Attached())
	assert.Empty(t, f.engine.boundPorts())
	assert.Equal(t, 0, f.sched.len())
}

func TestEmptyUpdateWhenIdle(t *testing.T) {
	f := newLifecycleFixture()
	require.NoError(t, f.manager.UpdatePipelines(nil))
	assert.Equal(t, StateIdle, f.manager.State())
	assert.Empty(t, f.engine.builds)
}

func TestUnsupportedCodecKeepsActiveGraph(t *testing.T) {
	f := newLifecycleFixture()
	clients := testClients(1, ModeOther)
	require.NoError(t, f.manager.UpdatePipelines(clients))
	before := f.manager.Description()

	bad := append(clients, testClient("c9", 6000, "unknown", ModeOther))
	err := f.manager.UpdatePipelines(bad)
	assert.ErrorIs(t, err, ErrUnsupportedCodec)

	assert.Equal(t, StateRunning, f.manager.State())
	assert.Same(t, before, f.manager.Description())
	assert.Len(t, f.engine.builds, 1)
	assert.Equal(t, 0, f.engine.lastBuilt.stopped)
	assert.Equal(t, []string{"c1/sink"}, f.monitor.Attached())
	assert.Equal(t, clients, f.manager.Clients())
}

func TestSharedInboundPortKeepsActiveGraph(t *testing.T) {
	f := newLifecycleFixture()
	clients := testClients(2, ModeOther)
	require.NoError(t, f.manager.UpdatePipelines(clients))
	before := f.manager.Description()

	clash := testClient("c3", clients[1].Inbound.Port, CodecJPEG, ModeOther)
	err := f.manager.UpdatePipelines(append(clients, clash))
	assert.ErrorIs(t, err, ErrInvalidClient)

	assert.Equal(t, StateRunning, f.manager.State())
	assert.Same(t, before, f.manager.Description())
	assert.Len(t, f.engine.builds, 1)
	assert.False(t, f.engine.lastBuilt.tornDown)
}

func TestAtMostOneLiveGraph(t *testing.T) {
	f := newLifecycleFixture()
	all := testClients(4, ModeOther)
	for i := 0; i < 10; i++ {
		n := i%len(all) + 1
		require.NoError(t, f.manager.UpdatePipelines(all[:n]))
		assert.Equal(t, 1, f.engine.liveCount())
	}
	assert.Equal(t, 1, f.engine.maxLive)
}

func TestConcurrentUpdatesAreSerialized(t *testing.T) {
	f := newLifecycleFixture()
	all := testClients(3, ModeAll)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, f.manager.UpdatePipelines(all[:i%3+1]))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, f.engine.maxLive)
	assert.Equal(t, 1, f.engine.liveCount())
}

func TestBindFailureRollsBackToIdle(t *testing.T) {
	f := newLifecycleFixture()
	require.NoError(t, f.manager.UpdatePipelines(testClients(2, ModeOther)))

	f.engine.buildErr = fmt.Errorf("%w: address already in use", graph.ErrEndpointBind)
	err := f.manager.UpdatePipelines(testClients(3, ModeOther))
	assert.ErrorIs(t, err, ErrEndpointBind)

	assert.Equal(t, StateIdle, f.manager.State())
	assert.Equal(t, 0, f.engine.liveCount())
	assert.Empty(t, f.monitor.Attached())

	f.engine.buildErr = nil
	require.NoError(t, f.manager.UpdatePipelines(testClients(3, ModeOther)))
	assert.Equal(t, StateRunning, f.manager.State())
}

func TestLeakedPortFailsBind(t *testing.T) {
	f := newLifecycleFixture()
	clients := testClients(1, ModeOther)
	f.engine.bound[clients[0].Inbound.Port] = "stranger"

	err := f.manager.UpdatePipelines(clients)
	assert.ErrorIs(t, err, ErrEndpointBind)
	assert.Equal(t, StateIdle, f.manager.State())
}

func TestEngineErrorsAreFaults(t *testing.T) {
	f := newLifecycleFixture()
	f.engine.buildErr = errors.New("element factory missing")
	err := f.manager.UpdatePipelines(testClients(1, ModeOther))
	assert.ErrorIs(t, err, ErrEngineFault)

	f.engine.buildErr = nil
	f.engine.startErr = errors.New("cannot play")
	err = f.manager.UpdatePipelines(testClients(1, ModeOther))
	assert.ErrorIs(t, err, ErrEngineFault)
	assert.Equal(t, StateIdle, f.manager.State())
	assert.Equal(t, 0, f.engine.liveCount())
	assert.True(t, f.engine.lastBuilt.tornDown)
}

func TestRemovePipeline(t *testing.T) {
	f := newLifecycleFixture()
	assert.ErrorIs(t, f.manager.RemovePipeline("p1"), ErrNotFound)

	require.NoError(t, f.manager.UpdatePipelines(testClients(2, ModeOther)))
	assert.ErrorIs(t, f.manager.RemovePipeline("nope"), ErrNotFound)
	assert.Equal(t, StateRunning, f.manager.State())

	require.NoError(t, f.manager.RemovePipeline("c2"))
	assert.Equal(t, StateIdle, f.manager.State())
	assert.Empty(t, f.manager.Clients())
	assert.Empty(t, f.monitor.Attached())
	assert.Equal(t, 0, f.engine.liveCount())

	require.NoError(t, f.manager.UpdatePipelines(testClients(1, ModeOther)))
	require.NoError(t, f.manager.RemovePipeline("p2"))
	assert.ErrorIs(t, f.manager.RemovePipeline("p2"), ErrNotFound)
}

func TestSetMergedSize(t *testing.T) {
	f := newLifecycleFixture()
	assert.ErrorIs(t, f.manager.SetMergedSize(0, 100), ErrInvalidSize)
	assert.ErrorIs(t, f.manager.SetMergedSize(100, -1), ErrInvalidSize)

	require.NoError(t, f.manager.SetMergedSize(800, 600))
	assert.Empty(t, f.engine.builds)
	assert.Equal(t, 800, f.manager.Config().MergedWidth)

	require.NoError(t, f.manager.UpdatePipelines(testClients(2, ModeOther)))
	require.NoError(t, f.manager.SetMergedSize(1280, 720))
	assert.Len(t, f.engine.builds, 2)

	comp, ok := f.manager.Description().Node("c1/composite/c2")
	require.True(t, ok)
	assert.Equal(t, 1280, comp.Width)
	assert.Equal(t, 720, comp.Height)
	assert.Equal(t, 1, f.engine.maxLive)
}

func TestErrorEventStopsFaultedGraph(t *testing.T) {
	f := newLifecycleFixture()
	require.NoError(t, f.manager.UpdatePipelines(testClients(2, ModeOther)))
	inst := f.engine.lastBuilt

	f.engine.emit(graph.Event{Type: graph.EventError, Pipeline: "stale", Err: errors.New("old")})
	assert.False(t, f.manager.Status().Faulted)

	f.engine.emit(graph.Event{Type: graph.EventError, Pipeline: inst.id, Node: "c1/source", Err: graph.ErrEngineFault})
	st := f.manager.Status()
	assert.True(t, st.Faulted)
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, 1, inst.stopped)

	// a second error for the same graph is a no-op
	f.engine.emit(graph.Event{Type: graph.EventError, Pipeline: inst.id})
	assert.Equal(t, 1, inst.stopped)

	require.NoError(t, f.manager.UpdatePipelines(testClients(2, ModeOther)))
	assert.False(t, f.manager.Status().Faulted)
	assert.True(t, inst.tornDown)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.events, 3)
	assert.Equal(t, graph.EventError, f.events[1].Type)
}

func TestStatus(t *testing.T) {
	f := newLifecycleFixture()
	st := f.manager.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.Equal(t, DefaultMergedWidth, st.Width)
	assert.Equal(t, "idle", st.State.String())

	require.NoError(t, f.manager.UpdatePipelines(testClients(2, ModeOther)))
	st = f.manager.Status()
	assert.Equal(t, "running", st.State.String())
	assert.Equal(t, "p1", st.Pipeline)
	assert.Equal(t, string(ModeOther), st.Policy)
	assert.Equal(t, []string{"c1", "c2"}, st.Clients)
	assert.Equal(t, []string{"c1/sink", "c2/sink"}, st.Sinks)
	assert.Equal(t, 2, st.Routes)
}

func TestCloseTearsDown(t *testing.T) {
	f := newLifecycleFixture()
	require.NoError(t, f.manager.UpdatePipelines(testClients(2, ModeOther)))
	require.NoError(t, f.manager.Close())
	assert.Equal(t, StateIdle, f.manager.State())
	assert.Equal(t, 0, f.engine.liveCount())
	require.NoError(t, f.manager.Close())
}

func TestManagerMetrics(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	f := newLifecycleFixture(WithMetrics(metrics))

	require.NoError(t, f.manager.UpdatePipelines(testClients(3, ModeOther)))
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.clients))
	assert.Equal(t, float64(6), testutil.ToFloat64(metrics.routes))

	assert.Error(t, f.manager.UpdatePipelines([]ClientDescriptor{testClient("x", 7000, "unknown", ModeAll)}))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.rebuilds.WithLabelValues("rejected")))
	assert.Equal(t, float64(6), testutil.ToFloat64(metrics.routes))

	require.NoError(t, f.manager.UpdatePipelines(nil))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.rebuilds.WithLabelValues("running")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.rebuilds.WithLabelValues("idle")))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.routes))
}
