// Package dispatch runs one logical task against many nodes concurrently,
// with per-node retry and failure isolation. Every targeted node yields
// exactly one Result, whatever happens inside its worker.
package dispatch

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/GuIIWen/Xpod-Executor/internal/config"
	"github.com/GuIIWen/Xpod-Executor/pkg/lg"
)

// Pool is what the dispatcher needs from the session layer.
type Pool interface {
	IsAlive(node config.Node) bool
	Connect(node config.Node) bool
	Execute(node config.Node, command string, timeout time.Duration) (int, string, string, error)
}

// NodeSource resolves task targets. *config.Manager satisfies it.
type NodeSource interface {
	Nodes(enabledOnly bool) []config.Node
	NodesByIDs(ids []int) []config.Node
}

// ResultSink receives each finished batch. Implementations must not block
// for long; history and audit writers buffer internally.
type ResultSink interface {
	Record(runID uuid.UUID, task Task, results []Result)
}

type Dispatcher struct {
	pool   Pool
	nodes  NodeSource
	policy config.ExecutionPolicy
	log    lg.Logger
	sinks  []ResultSink
}

func New(pool Pool, nodes NodeSource, policy config.ExecutionPolicy, logger lg.Logger) *Dispatcher {
	if logger == nil {
		logger = lg.Discard
	}
	if policy.MaxConcurrent <= 0 {
		policy.MaxConcurrent = 10
	}
	return &Dispatcher{pool: pool, nodes: nodes, policy: policy, log: logger}
}

// AddSink registers a consumer for finished batches.
func (d *Dispatcher) AddSink(s ResultSink) {
	if s != nil {
		d.sinks = append(d.sinks, s)
	}
}

// Run executes the task on every target node and returns one Result per
// node, in completion order. An empty target set returns an empty slice; a
// malformed kind is the only error.
func (d *Dispatcher) Run(task Task) ([]Result, error) {
	rendered, err := task.Render()
	if err != nil {
		return nil, err
	}

	targets := d.resolveTargets(task)
	if len(targets) == 0 {
		d.log.Warn("no target nodes for task", lg.String("kind", task.Kind.String()))
		return []Result{}, nil
	}

	runID := uuid.New()
	log := d.log.With(lg.String("run", runID.String()), lg.String("kind", task.Kind.String()))
	log.Info("dispatching task", lg.Int("nodes", len(targets)), lg.String("command", rendered))

	width := d.policy.MaxConcurrent
	if len(targets) < width {
		width = len(targets)
	}

	results := make([]Result, 0, len(targets))
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(width)
	for _, node := range targets {
		node := node
		g.Go(func() error {
			res := d.runGuarded(node, task, rendered)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()

			if res.Success {
				log.Info("node succeeded", lg.String("node", node.Name),
					lg.Int("attempts", res.Attempts))
			} else {
				log.Error("node failed", lg.String("node", node.Name),
					lg.Int("attempts", res.Attempts), lg.String("error", res.Error))
			}
			return nil
		})
	}
	_ = g.Wait()

	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		}
	}
	log.Info("task finished", lg.Int("succeeded", succeeded), lg.Int("total", len(results)))

	for _, sink := range d.sinks {
		sink.Record(runID, task, results)
	}
	return results, nil
}

// resolveTargets uses the explicit id list when present, otherwise all
// enabled nodes.
func (d *Dispatcher) resolveTargets(task Task) []config.Node {
	if len(task.NodeIDs) == 0 {
		return d.nodes.Nodes(true)
	}
	return d.nodes.NodesByIDs(task.NodeIDs)
}

// runGuarded keeps the one-result-per-node invariant even when a worker
// faults in a way the code did not anticipate.
func (d *Dispatcher) runGuarded(node config.Node, task Task, rendered string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{
				NodeID:      node.ID,
				NodeName:    node.Name,
				NodeAddress: node.Address,
				Kind:        task.Kind,
				Command:     rendered,
				Error:       fmt.Sprintf("worker panic: %v", r),
			}
		}
	}()
	return d.runWithRetry(node, task, rendered)
}

// runWithRetry applies the task's retry budget to one node: fixed delay
// between attempts, last attempt wins, Attempts records how many retries
// were consumed. Retries block only this node's worker.
func (d *Dispatcher) runWithRetry(node config.Node, task Task, rendered string) Result {
	var res Result
	attempt := 0

	operation := func() error {
		res = d.runOnce(node, task, rendered)
		res.Attempts = attempt
		if res.Success {
			return nil
		}
		attempt++
		if res.Error != "" {
			return errors.New(res.Error)
		}
		return fmt.Errorf("exit code %d", derefExit(res.ExitCode))
	}

	retries := task.RetryCount
	if retries < 0 {
		retries = 0
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(task.RetryDelay), uint64(retries))
	_ = backoff.Retry(operation, b)
	return res
}

func (d *Dispatcher) runOnce(node config.Node, task Task, rendered string) Result {
	start := time.Now()
	res := Result{
		NodeID:      node.ID,
		NodeName:    node.Name,
		NodeAddress: node.Address,
		Kind:        task.Kind,
		Command:     rendered,
	}

	if !d.pool.IsAlive(node) {
		if !d.pool.Connect(node) {
			res.Error = fmt.Sprintf("cannot connect to node %s (%s)", node.Name, node.Address)
			res.Elapsed = time.Since(start)
			return res
		}
	}

	code, stdout, stderr, err := d.pool.Execute(node, rendered, task.Timeout)
	if err != nil {
		res.Error = err.Error()
		res.Stdout = stdout
		res.Stderr = stderr
		res.Elapsed = time.Since(start)
		return res
	}

	res.ExitCode = &code
	res.Stdout = stdout
	res.Stderr = stderr
	res.Success = code == 0
	res.Elapsed = time.Since(start)
	return res
}

func derefExit(code *int) int {
	if code == nil {
		return -1
	}
	return *code
}
