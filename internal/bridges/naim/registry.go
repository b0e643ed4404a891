package naim

import (
	"sort"
	"sync"

	naimclient "github.com/nerrad567/gray-logic-naim/internal/naim"
)

// DeviceRegistry maps device ids to entities. It is created by the bridge
// and shared with the API server.
//
// Thread Safety: All methods are safe for concurrent use.
type DeviceRegistry struct {
	mu       sync.RWMutex
	entities map[string]*Entity
}

// NewDeviceRegistry creates an empty registry.
func NewDeviceRegistry() *DeviceRegistry {
	return &DeviceRegistry{entities: make(map[string]*Entity)}
}

// Register adds an entity. Entities are registered before they are ready.
func (r *DeviceRegistry) Register(e *Entity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entities[e.ID()]; ok {
		return ErrDeviceExists
	}
	r.entities[e.ID()] = e
	return nil
}

// Remove unregisters and returns an entity, or nil if unknown.
func (r *DeviceRegistry) Remove(id string) *Entity {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entities[id]
	delete(r.entities, id)
	return e
}

// Get returns an entity whether or not it is ready.
func (r *DeviceRegistry) Get(id string) (*Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entities[id]
	return e, ok
}

// List returns ready entities sorted by id.
func (r *DeviceRegistry) List() []*Entity {
	return r.collect(true)
}

// All returns every registered entity sorted by id.
func (r *DeviceRegistry) All() []*Entity {
	return r.collect(false)
}

func (r *DeviceRegistry) collect(readyOnly bool) []*Entity {
	r.mu.RLock()
	out := make([]*Entity, 0, len(r.entities))
	for _, e := range r.entities {
		if readyOnly && !e.Ready() {
			continue
		}
		out = append(out, e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Len returns the number of registered entities.
func (r *DeviceRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entities)
}

// Summary counts entities by connectivity state.
func (r *DeviceRegistry) Summary() DeviceSummary {
	var s DeviceSummary
	for _, e := range r.All() {
		s.Total++
		if e.Ready() {
			s.Ready++
		}
		switch e.Client().State() {
		case naimclient.StateConnected:
			s.Connected++
		case naimclient.StateDegraded:
			s.Degraded++
		case naimclient.StateError:
			s.Errored++
		}
	}
	return s
}
