package toolset

import (
	"fmt"
	"sync"

	"github.com/cyl19970726/continue-reasoning-sub003/pkg/toolexecutor"
)

// ToolSet is a named group of tools.
type ToolSet struct {
	Name        string
	Description string
	Tools       []toolexecutor.Tool
	Active      bool
	// AlwaysActive sets ignore Deactivate.
	AlwaysActive bool
}

// Registry holds tool sets in registration order.
type Registry struct {
	mu    sync.RWMutex
	sets  []*ToolSet
	index map[string]*ToolSet
}

func NewRegistry() *Registry {
	return &Registry{index: make(map[string]*ToolSet)}
}

// Register adds a copy of set. Names must be unique and every tool non-nil.
func (r *Registry) Register(set ToolSet) error {
	if set.Name == "" {
		return fmt.Errorf("toolset name cannot be empty")
	}
	for i, t := range set.Tools {
		if t == nil {
			return fmt.Errorf("toolset %s: tool %d is nil", set.Name, i)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.index[set.Name]; exists {
		return fmt.Errorf("toolset %s already registered", set.Name)
	}
	s := set
	s.Tools = append([]toolexecutor.Tool(nil), set.Tools...)
	if s.AlwaysActive {
		s.Active = true
	}
	r.sets = append(r.sets, &s)
	r.index[s.Name] = &s
	return nil
}

// Activate marks the named sets active and returns the names it did not know.
func (r *Registry) Activate(names ...string) []string {
	return r.setActive(names, true)
}

// Deactivate marks the named sets inactive and returns the names it did not
// know. AlwaysActive sets stay active.
func (r *Registry) Deactivate(names ...string) []string {
	return r.setActive(names, false)
}

func (r *Registry) setActive(names []string, active bool) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var unknown []string
	for _, name := range names {
		s, ok := r.index[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		if !active && s.AlwaysActive {
			continue
		}
		s.Active = active
	}
	return unknown
}

// ActiveTools returns the tools of every active set in registration order.
// When two sets carry a tool of the same name, the earlier one wins.
func (r *Registry) ActiveTools() []toolexecutor.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var tools []toolexecutor.Tool
	for _, s := range r.sets {
		if !s.Active {
			continue
		}
		for _, t := range s.Tools {
			if seen[t.Name()] {
				continue
			}
			seen[t.Name()] = true
			tools = append(tools, t)
		}
	}
	return tools
}

func (r *Registry) ActiveToolSetNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for _, s := range r.sets {
		if s.Active {
			names = append(names, s.Name)
		}
	}
	return names
}

// Names returns every registered set name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.sets))
	for _, s := range r.sets {
		names = append(names, s.Name)
	}
	return names
}

// List returns copies of all sets.
func (r *Registry) List() []ToolSet {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ToolSet, 0, len(r.sets))
	for _, s := range r.sets {
		out = append(out, *s)
	}
	return out
}

func (r *Registry) Get(name string) (ToolSet, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.index[name]
	if !ok {
		return ToolSet{}, false
	}
	return *s, true
}
