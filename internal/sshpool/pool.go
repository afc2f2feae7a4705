// Package sshpool owns at most one live SSH session per node and serializes
// command execution per node while letting different nodes run in parallel.
package sshpool

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/GuIIWen/Xpod-Executor/internal/config"
	"github.com/GuIIWen/Xpod-Executor/pkg/lg"
)

var (
	ErrNotConnected  = errors.New("node not connected")
	ErrNoCredentials = errors.New("no usable credentials")
)

// Pool maps node id to Session. One coarse lock guards the map; each Session
// guards its own I/O.
type Pool struct {
	dialer        Dialer
	defaults      config.SSHDefaults
	maxConcurrent int
	log           lg.Logger

	mu       sync.Mutex
	sessions map[int]*Session
}

func New(dialer Dialer, defaults config.SSHDefaults, maxConcurrent int, logger lg.Logger) *Pool {
	if dialer == nil {
		dialer = SSHDialer{}
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	if logger == nil {
		logger = lg.Discard
	}
	return &Pool{
		dialer:        dialer,
		defaults:      defaults,
		maxConcurrent: maxConcurrent,
		log:           logger,
		sessions:      make(map[int]*Session),
	}
}

// GetOrCreate returns the node's Session, creating a not-yet-connected one
// on first reference. Pure map mutation, never dials.
func (p *Pool) GetOrCreate(node config.Node) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[node.ID]
	if !ok {
		s = newSession(node)
		p.sessions[node.ID] = s
	}
	return s
}

// Connect dials the node. Failure is signaled by the return value, never by
// a panic or error: a node that cannot connect is an expected outcome.
func (p *Pool) Connect(node config.Node) bool {
	s := p.GetOrCreate(node)

	s.mu.Lock()
	defer s.mu.Unlock()

	params, err := p.dialParams(node)
	if err != nil {
		p.log.Error("cannot resolve credentials",
			lg.String("node", node.Name), lg.String("addr", node.Address), lg.Err(err))
		s.connected = false
		return false
	}

	handle, err := p.dialer.Dial(params)
	if err != nil {
		p.log.Error("connect failed",
			lg.String("node", node.Name), lg.String("addr", node.Address), lg.Err(err))
		if s.handle != nil {
			_ = s.handle.Close()
			s.handle = nil
		}
		s.connected = false
		return false
	}

	if s.handle != nil {
		_ = s.handle.Close()
	}
	s.handle = handle
	s.connected = true
	s.touch()

	p.log.Info("connected", lg.String("node", node.Name), lg.String("addr", node.Address))
	return true
}

// ConnectMany fans out Connect over a bounded worker pool and returns one
// boolean per requested node id.
func (p *Pool) ConnectMany(nodes []config.Node, maxWorkers int) map[int]bool {
	if maxWorkers <= 0 {
		maxWorkers = p.maxConcurrent
	}
	if len(nodes) < maxWorkers {
		maxWorkers = len(nodes)
	}

	results := make(map[int]bool, len(nodes))
	var mu sync.Mutex

	var g errgroup.Group
	if maxWorkers > 0 {
		g.SetLimit(maxWorkers)
	}
	for _, node := range nodes {
		node := node
		g.Go(func() error {
			ok := p.Connect(node)
			mu.Lock()
			results[node.ID] = ok
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	succeeded := 0
	for _, ok := range results {
		if ok {
			succeeded++
		}
	}
	p.log.Info("fleet connect finished",
		lg.Int("succeeded", succeeded), lg.Int("total", len(nodes)))
	return results
}

// Execute runs one command on a connected node. Commands on the same node
// serialize on the session lock; the transport error, if any, is returned
// unchanged.
func (p *Pool) Execute(node config.Node, command string, timeout time.Duration) (int, string, string, error) {
	p.mu.Lock()
	s := p.sessions[node.ID]
	p.mu.Unlock()

	if s == nil {
		return 0, "", "", fmt.Errorf("%w: %s", ErrNotConnected, node.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected || s.handle == nil {
		return 0, "", "", fmt.Errorf("%w: %s", ErrNotConnected, node.Name)
	}

	code, stdout, stderr, err := s.handle.Run(command, timeout)
	if err != nil {
		p.log.Error("command failed", lg.String("node", node.Name), lg.Err(err))
		return code, stdout, stderr, err
	}
	s.touch()
	return code, stdout, stderr, nil
}

// IsAlive is true only when a session exists, is marked connected, and the
// transport answers a probe. Probe errors mean "not alive", never raise.
func (p *Pool) IsAlive(node config.Node) bool {
	p.mu.Lock()
	s := p.sessions[node.ID]
	p.mu.Unlock()

	if s == nil {
		return false
	}
	handle, connected := s.currentHandle()
	if !connected || handle == nil {
		return false
	}
	return handle.Active()
}

// Disconnect closes and removes the node's session. Idempotent.
func (p *Pool) Disconnect(nodeID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.sessions[nodeID]; ok {
		s.disconnect()
		delete(p.sessions, nodeID)
	}
}

// DisconnectAll closes every session and empties the map. Idempotent.
func (p *Pool) DisconnectAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.sessions {
		s.disconnect()
	}
	p.sessions = make(map[int]*Session)
	p.log.Info("all sessions closed")
}

// ConnectedNodes lists node ids whose transport still answers.
func (p *Pool) ConnectedNodes() []int {
	var out []int
	for id, alive := range p.CheckConnections() {
		if alive {
			out = append(out, id)
		}
	}
	return out
}

// CheckConnections probes every pooled session.
func (p *Pool) CheckConnections() map[int]bool {
	p.mu.Lock()
	snapshot := make(map[int]*Session, len(p.sessions))
	for id, s := range p.sessions {
		snapshot[id] = s
	}
	p.mu.Unlock()

	status := make(map[int]bool, len(snapshot))
	for id, s := range snapshot {
		handle, connected := s.currentHandle()
		status[id] = connected && handle != nil && handle.Active()
	}
	return status
}

// ReconnectFailed redials every node whose session is gone or no longer
// answers, and returns the per-node outcome.
func (p *Pool) ReconnectFailed(nodes []config.Node) map[int]bool {
	var failed []config.Node
	for _, node := range nodes {
		p.mu.Lock()
		s := p.sessions[node.ID]
		p.mu.Unlock()

		if s == nil {
			failed = append(failed, node)
			continue
		}
		handle, connected := s.currentHandle()
		if !connected || handle == nil || !handle.Active() {
			s.disconnect()
			failed = append(failed, node)
		}
	}
	if len(failed) == 0 {
		return map[int]bool{}
	}
	p.log.Info("reconnecting failed nodes", lg.Int("count", len(failed)))
	return p.ConnectMany(failed, 0)
}

// ReapIdle disconnects and removes sessions idle longer than idleTimeout.
// The pool does not self-schedule this; call it periodically.
func (p *Pool) ReapIdle(idleTimeout time.Duration) int {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	var reaped []int
	for id, s := range p.sessions {
		if now.Sub(s.LastActivity()) > idleTimeout {
			s.disconnect()
			reaped = append(reaped, id)
		}
	}
	for _, id := range reaped {
		delete(p.sessions, id)
	}
	if len(reaped) > 0 {
		p.log.Info("reaped idle sessions", lg.Int("count", len(reaped)))
	}
	return len(reaped)
}

// dialParams resolves credentials with precedence: node key file, node
// password, default key file, default password, environment password. A
// configured key file that is missing on disk falls through to password
// auth; a key that fails to authenticate does not.
func (p *Pool) dialParams(node config.Node) (DialParams, error) {
	user := node.Username
	if user == "" {
		user = p.defaults.Username
	}
	port := node.Port
	if port == 0 {
		port = p.defaults.Port
	}

	params := DialParams{
		Addr:    hostPort(node.Address, port),
		User:    user,
		Timeout: p.defaults.DialTimeout(),
	}

	tryKey := func(keyFile string) bool {
		expanded := expandHome(keyFile)
		if _, err := os.Stat(expanded); err == nil {
			params.KeyPath = expanded
			p.log.Debug("using key auth",
				lg.String("node", node.Name), lg.String("key", expanded))
			return true
		}
		p.log.Warn("configured key file missing, trying next credential",
			lg.String("node", node.Name), lg.String("key", keyFile))
		return false
	}

	if node.KeyFile != "" && tryKey(node.KeyFile) {
		return params, nil
	}
	if node.Password != "" {
		params.Password = node.Password
		return params, nil
	}
	if p.defaults.KeyFile != "" && tryKey(p.defaults.KeyFile) {
		return params, nil
	}
	if p.defaults.Password != "" {
		params.Password = p.defaults.Password
		return params, nil
	}
	if env := os.Getenv(config.EnvPassword); env != "" {
		params.Password = env
		return params, nil
	}
	return DialParams{}, fmt.Errorf("%w for node %s", ErrNoCredentials, node.Name)
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
