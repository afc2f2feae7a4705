package config

import (
	"fmt"
	"sync"

	"github.com/GuIIWen/Xpod-Executor/pkg/store"
)

// Manager loads the inventory once and hands out value copies. SetNodeEnabled
// is the only write path; it persists through the backing store.
type Manager struct {
	store store.Store

	mu  sync.RWMutex
	cfg *Config
}

func NewManager(st store.Store) *Manager {
	return &Manager{store: st}
}

// Load reads and validates the inventory. Missing policy sections fall back
// to Defaults.
func (m *Manager) Load() error {
	cfg := Defaults()
	if err := m.store.Load(&cfg); err != nil {
		return err
	}
	if cfg.SSH.Port == 0 {
		cfg.SSH = Defaults().SSH
	}
	if cfg.Execution.MaxConcurrent == 0 {
		cfg.Execution = Defaults().Execution
	}
	if err := Validate(&cfg); err != nil {
		return err
	}

	m.mu.Lock()
	m.cfg = &cfg
	m.mu.Unlock()
	return nil
}

func (m *Manager) snapshot() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cfg == nil {
		panic("config: Manager used before Load")
	}
	return m.cfg
}

// Nodes returns the inventory, optionally filtered to enabled nodes.
func (m *Manager) Nodes(enabledOnly bool) []Node {
	cfg := m.snapshot()
	if !enabledOnly {
		out := make([]Node, len(cfg.Nodes))
		copy(out, cfg.Nodes)
		return out
	}
	var out []Node
	for _, n := range cfg.Nodes {
		if n.Enabled {
			out = append(out, n)
		}
	}
	return out
}

func (m *Manager) NodeByID(id int) (Node, bool) {
	for _, n := range m.snapshot().Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// NodesByIDs resolves ids in order; unknown ids are skipped.
func (m *Manager) NodesByIDs(ids []int) []Node {
	var out []Node
	for _, id := range ids {
		if n, ok := m.NodeByID(id); ok {
			out = append(out, n)
		}
	}
	return out
}

func (m *Manager) SSH() SSHDefaults {
	return m.snapshot().SSH
}

func (m *Manager) Execution() ExecutionPolicy {
	return m.snapshot().Execution
}

func (m *Manager) Logging() LoggingPolicy {
	return m.snapshot().Logging
}

// Watcher is implemented by stores that can report external changes to the
// inventory. The file store qualifies; the Mongo store does not.
type Watcher interface {
	Watch(onChange func()) error
}

// WatchReload re-reads the inventory whenever the backing store reports a
// change. A re-read that fails to load or validate keeps the previous
// snapshot. Stores without change notification are a no-op.
func (m *Manager) WatchReload(onReload func(error)) error {
	w, ok := m.store.(Watcher)
	if !ok {
		return nil
	}
	return w.Watch(func() {
		err := m.Load()
		if onReload != nil {
			onReload(err)
		}
	})
}

// SetNodeEnabled flips a node's enabled flag and saves the inventory.
func (m *Manager) SetNodeEnabled(id int, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg == nil {
		panic("config: Manager used before Load")
	}

	found := false
	for i := range m.cfg.Nodes {
		if m.cfg.Nodes[i].ID == id {
			m.cfg.Nodes[i].Enabled = enabled
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: id %d", ErrNodeNotFound, id)
	}
	return m.store.Save(m.cfg)
}
