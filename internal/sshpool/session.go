package sshpool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/GuIIWen/Xpod-Executor/internal/config"
)

// Session is the live connection state for one node. It is owned by the
// Pool; callers reach it only through pool methods. The mutex serializes
// connect/disconnect and keeps one in-flight command per node.
type Session struct {
	Node config.Node

	mu        sync.Mutex
	handle    Handle
	connected bool

	// unix nanos, read by ReapIdle without taking mu
	lastActivity atomic.Int64
}

func newSession(node config.Node) *Session {
	s := &Session{Node: node}
	s.touch()
	return s
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity is the time of the last successful connect or command.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Connected reports the connected flag without probing the transport.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// currentHandle returns the handle and flag for lock-free probing.
func (s *Session) currentHandle() (Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle, s.connected
}

// disconnect closes the handle if open and clears the flag. Idempotent.
func (s *Session) disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != nil {
		_ = s.handle.Close()
		s.handle = nil
	}
	s.connected = false
}
