package dispatch_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GuIIWen/Xpod-Executor/internal/config"
	"github.com/GuIIWen/Xpod-Executor/internal/dispatch"
	"github.com/GuIIWen/Xpod-Executor/pkg/lg"
)

type fakeNodes struct{ nodes []config.Node }

func (f fakeNodes) Nodes(enabledOnly bool) []config.Node {
	if !enabledOnly {
		return f.nodes
	}
	var out []config.Node
	for _, n := range f.nodes {
		if n.Enabled {
			out = append(out, n)
		}
	}
	return out
}

func (f fakeNodes) NodesByIDs(ids []int) []config.Node {
	var out []config.Node
	for _, id := range ids {
		for _, n := range f.nodes {
			if n.ID == id {
				out = append(out, n)
				break
			}
		}
	}
	return out
}

// fakePool scripts per-node behavior: which nodes connect, what each
// command returns.
type fakePool struct {
	mu        sync.Mutex
	alive     map[int]bool
	connectOK map[int]bool
	exec      func(node config.Node, command string) (int, string, string, error)
	executed  []string
	panicOn   int
}

func (p *fakePool) IsAlive(node config.Node) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive[node.ID]
}

func (p *fakePool) Connect(node config.Node) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connectOK[node.ID] {
		p.alive[node.ID] = true
		return true
	}
	return false
}

func (p *fakePool) Execute(node config.Node, command string, timeout time.Duration) (int, string, string, error) {
	p.mu.Lock()
	p.executed = append(p.executed, command)
	p.mu.Unlock()
	if node.ID == p.panicOn {
		panic("unexpected worker fault")
	}
	return p.exec(node, command)
}

func testPolicy() config.ExecutionPolicy {
	return config.ExecutionPolicy{MaxConcurrent: 4, RetryCount: 0, RetryDelaySec: 0, CommandTimeoutSec: 300}
}

func testNodes() []config.Node {
	return []config.Node{
		{ID: 1, Name: "node-1", Address: "10.0.0.1", Enabled: true},
		{ID: 2, Name: "node-2", Address: "10.0.0.2", Enabled: true},
		{ID: 3, Name: "node-3", Address: "10.0.0.3", Enabled: false},
	}
}

func echoPool(connectable ...int) *fakePool {
	ok := make(map[int]bool)
	for _, id := range connectable {
		ok[id] = true
	}
	return &fakePool{
		alive:     map[int]bool{},
		connectOK: ok,
		panicOn:   -1,
		exec: func(node config.Node, command string) (int, string, string, error) {
			return 0, "hi\n", "", nil
		},
	}
}

func byNode(results []dispatch.Result) map[int]dispatch.Result {
	out := make(map[int]dispatch.Result, len(results))
	for _, r := range results {
		out[r.NodeID] = r
	}
	return out
}

func TestRunOneResultPerNode(t *testing.T) {
	pool := echoPool(1, 2)
	d := dispatch.New(pool, fakeNodes{testNodes()}, testPolicy(), lg.Discard)

	results, err := d.Run(dispatch.Task{Kind: dispatch.ShellCommand, Command: "echo hi", NodeIDs: []int{1, 2}})
	require.NoError(t, err)
	require.Len(t, results, 2)

	got := byNode(results)
	assert.Contains(t, got, 1)
	assert.Contains(t, got, 2)
}

func TestRunResolvesEnabledNodesByDefault(t *testing.T) {
	pool := echoPool(1, 2, 3)
	d := dispatch.New(pool, fakeNodes{testNodes()}, testPolicy(), lg.Discard)

	results, err := d.Run(dispatch.Task{Kind: dispatch.ShellCommand, Command: "uptime"})
	require.NoError(t, err)
	require.Len(t, results, 2) // node-3 is disabled

	got := byNode(results)
	assert.NotContains(t, got, 3)
}

func TestRunEmptyTargetsShortCircuits(t *testing.T) {
	pool := echoPool()
	d := dispatch.New(pool, fakeNodes{nil}, testPolicy(), lg.Discard)

	results, err := d.Run(dispatch.Task{Kind: dispatch.ShellCommand, Command: "true"})
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Empty(t, pool.executed)
}

func TestRunUnknownKind(t *testing.T) {
	d := dispatch.New(echoPool(), fakeNodes{testNodes()}, testPolicy(), lg.Discard)

	_, err := d.Run(dispatch.Task{Kind: dispatch.Kind(42), Command: "x", NodeIDs: []int{1}})
	assert.ErrorIs(t, err, dispatch.ErrUnknownTaskKind)
}

func TestRunMixedSuccessAndConnectFailure(t *testing.T) {
	pool := echoPool(1) // node 2 never connects
	d := dispatch.New(pool, fakeNodes{testNodes()}, testPolicy(), lg.Discard)

	results, err := d.Run(dispatch.Task{Kind: dispatch.ShellCommand, Command: "echo hi", NodeIDs: []int{1, 2}})
	require.NoError(t, err)
	require.Len(t, results, 2)

	got := byNode(results)

	ok := got[1]
	assert.True(t, ok.Success)
	require.NotNil(t, ok.ExitCode)
	assert.Equal(t, 0, *ok.ExitCode)
	assert.Contains(t, ok.Stdout, "hi")

	bad := got[2]
	assert.False(t, bad.Success)
	assert.Nil(t, bad.ExitCode)
	assert.NotEmpty(t, bad.Error)
}

func TestRunAllConnectsFailStillOneResultPerNode(t *testing.T) {
	pool := echoPool() // nobody connects
	d := dispatch.New(pool, fakeNodes{testNodes()}, testPolicy(), lg.Discard)

	results, err := d.Run(dispatch.Task{Kind: dispatch.ShellCommand, Command: "true", NodeIDs: []int{1, 2}})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.False(t, r.Success)
		assert.Nil(t, r.ExitCode)
		assert.NotEmpty(t, r.Error)
	}
}

func TestRetryAccounting(t *testing.T) {
	pool := echoPool(1)
	pool.exec = func(node config.Node, command string) (int, string, string, error) {
		return 1, "", "boom", nil // always fails
	}
	policy := testPolicy()
	d := dispatch.New(pool, fakeNodes{testNodes()}, policy, lg.Discard)

	results, err := d.Run(dispatch.Task{
		Kind:       dispatch.ShellCommand,
		Command:    "false",
		NodeIDs:    []int{1},
		RetryCount: 3,
		RetryDelay: time.Millisecond,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)

	r := results[0]
	assert.False(t, r.Success)
	assert.Equal(t, 3, r.Attempts)
	assert.Len(t, pool.executed, 4) // initial attempt plus three retries
}

func TestRetryRecoversAfterTransientFailure(t *testing.T) {
	pool := echoPool(1)
	var calls int
	var mu sync.Mutex
	pool.exec = func(node config.Node, command string) (int, string, string, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return 0, "", "", errors.New("transient transport fault")
		}
		return 0, "ok", "", nil
	}
	d := dispatch.New(pool, fakeNodes{testNodes()}, testPolicy(), lg.Discard)

	results, err := d.Run(dispatch.Task{
		Kind:       dispatch.ShellCommand,
		Command:    "flaky",
		NodeIDs:    []int{1},
		RetryCount: 5,
		RetryDelay: time.Millisecond,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)

	r := results[0]
	assert.True(t, r.Success)
	assert.Equal(t, 2, r.Attempts)
}

func TestWorkerPanicYieldsSyntheticResult(t *testing.T) {
	pool := echoPool(1, 2)
	pool.panicOn = 2
	d := dispatch.New(pool, fakeNodes{testNodes()}, testPolicy(), lg.Discard)

	results, err := d.Run(dispatch.Task{Kind: dispatch.ShellCommand, Command: "true", NodeIDs: []int{1, 2}})
	require.NoError(t, err)
	require.Len(t, results, 2)

	got := byNode(results)
	assert.True(t, got[1].Success)
	assert.False(t, got[2].Success)
	assert.Contains(t, got[2].Error, "panic")
}

func TestRenderPerKind(t *testing.T) {
	tests := []struct {
		name string
		task dispatch.Task
		want string
	}{
		{"shell verbatim", dispatch.Task{Kind: dispatch.ShellCommand, Command: "uname -a"}, "uname -a"},
		{"pull", dispatch.Task{Kind: dispatch.ImagePull, Command: "nginx:1.27"}, "docker pull nginx:1.27"},
		{"push", dispatch.Task{Kind: dispatch.ImagePush, Command: "registry.local/app:v2"}, "docker push registry.local/app:v2"},
		{"build", dispatch.Task{Kind: dispatch.ImageBuild, Command: "/srv/app", BuildTag: "app:v2"}, "docker build -t app:v2 /srv/app"},
		{"build default tag", dispatch.Task{Kind: dispatch.ImageBuild, Command: "/srv/app"}, "docker build -t latest /srv/app"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.task.Render()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRunWithUnsetConcurrencyCeiling(t *testing.T) {
	pool := echoPool(1, 2)
	policy := testPolicy()
	policy.MaxConcurrent = 0
	d := dispatch.New(pool, fakeNodes{testNodes()}, policy, lg.Discard)

	results, err := d.Run(dispatch.Task{Kind: dispatch.ShellCommand, Command: "true", NodeIDs: []int{1, 2}})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestNegativeRetryCountMeansSingleAttempt(t *testing.T) {
	pool := echoPool(1)
	pool.exec = func(node config.Node, command string) (int, string, string, error) {
		return 1, "", "boom", nil
	}
	d := dispatch.New(pool, fakeNodes{testNodes()}, testPolicy(), lg.Discard)

	results, err := d.Run(dispatch.Task{
		Kind:       dispatch.ShellCommand,
		Command:    "false",
		NodeIDs:    []int{1},
		RetryCount: -1,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, 0, results[0].Attempts)
	assert.Len(t, pool.executed, 1)
}

type captureSink struct {
	mu      sync.Mutex
	runID   uuid.UUID
	results []dispatch.Result
	calls   int
}

func (s *captureSink) Record(runID uuid.UUID, task dispatch.Task, results []dispatch.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runID = runID
	s.results = results
	s.calls++
}

func TestSinksReceiveFinishedBatch(t *testing.T) {
	pool := echoPool(1, 2)
	d := dispatch.New(pool, fakeNodes{testNodes()}, testPolicy(), lg.Discard)
	sink := &captureSink{}
	d.AddSink(sink)

	results, err := d.Run(dispatch.Task{Kind: dispatch.ShellCommand, Command: "true", NodeIDs: []int{1, 2}})
	require.NoError(t, err)

	assert.Equal(t, 1, sink.calls)
	assert.NotEqual(t, uuid.Nil, sink.runID)
	assert.Equal(t, results, sink.results)
}

func TestRenderedCommandReachesPool(t *testing.T) {
	pool := echoPool(1)
	d := dispatch.New(pool, fakeNodes{testNodes()}, testPolicy(), lg.Discard)

	_, err := d.PullImage("nginx:1.27", []int{1}, 0)
	require.NoError(t, err)
	require.Len(t, pool.executed, 1)
	assert.Equal(t, "docker pull nginx:1.27", pool.executed[0])
}
