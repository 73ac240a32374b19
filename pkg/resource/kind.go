package resource

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Transition is a single allowed (from -> to) status pair within a kind's
// transition table.
type Transition struct {
	// From is the status the resource must currently hold.
	From Status `json:"from" yaml:"from"`

	// To is the status the transition leads to.
	To Status `json:"to" yaml:"to"`

	// Async forces the asynchronous path: the change is tracked as an
	// operation instead of completing within the request.
	Async bool `json:"async,omitempty" yaml:"async,omitempty"`

	// Effect names a registered side effect to execute on the asynchronous
	// path. A transition with an effect goes asynchronous whenever the change
	// request carries parameters, even if Async is false.
	Effect string `json:"effect,omitempty" yaml:"effect,omitempty"`
}

// Kind describes one resource kind: its closed status enumeration and the
// transition table over it. Kinds are configuration, not code; the engine is
// polymorphic over them.
type Kind struct {
	// Name is the kind identifier resources reference.
	Name string `json:"name" yaml:"name"`

	// Statuses is the closed set of valid status values.
	Statuses []Status `json:"statuses" yaml:"statuses"`

	// Transitions is the set of allowed status changes.
	Transitions []Transition `json:"transitions" yaml:"transitions"`
}

// HasStatus returns true if s belongs to the kind's status enumeration.
func (k *Kind) HasStatus(s Status) bool {
	for _, v := range k.Statuses {
		if v == s {
			return true
		}
	}
	return false
}

// Lookup returns the transition entry for (from -> to), or nil if the pair is
// not in the table.
func (k *Kind) Lookup(from, to Status) *Transition {
	for i := range k.Transitions {
		if k.Transitions[i].From == from && k.Transitions[i].To == to {
			return &k.Transitions[i]
		}
	}
	return nil
}

// Validate checks the kind definition for internal consistency.
func (k *Kind) Validate() error {
	if k.Name == "" {
		return fmt.Errorf("kind name is required")
	}
	if len(k.Statuses) == 0 {
		return fmt.Errorf("kind %s: at least one status is required", k.Name)
	}
	seen := make(map[Status]bool, len(k.Statuses))
	for _, s := range k.Statuses {
		if s == "" {
			return fmt.Errorf("kind %s: empty status value", k.Name)
		}
		if seen[s] {
			return fmt.Errorf("kind %s: duplicate status %q", k.Name, s)
		}
		seen[s] = true
	}
	for _, t := range k.Transitions {
		if !seen[t.From] {
			return fmt.Errorf("kind %s: transition from unknown status %q", k.Name, t.From)
		}
		if !seen[t.To] {
			return fmt.Errorf("kind %s: transition to unknown status %q", k.Name, t.To)
		}
		if t.From == t.To {
			return fmt.Errorf("kind %s: self-transition %q is not allowed", k.Name, t.From)
		}
	}
	return nil
}

// Registry holds the known kinds. It is safe for concurrent use; Replace swaps
// the whole set atomically so a configuration reload never exposes a partial
// registry.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]*Kind
}

// NewRegistry creates a registry from the given kinds.
func NewRegistry(kinds ...*Kind) (*Registry, error) {
	r := &Registry{kinds: make(map[string]*Kind)}
	if err := r.Replace(kinds); err != nil {
		return nil, err
	}
	return r, nil
}

// Get returns the kind by name, or nil if unknown.
func (r *Registry) Get(name string) *Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.kinds[name]
}

// Names returns the registered kind names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.kinds))
	for name := range r.kinds {
		names = append(names, name)
	}
	return names
}

// Replace validates the given kinds and swaps them in as the complete
// registry contents.
func (r *Registry) Replace(kinds []*Kind) error {
	next := make(map[string]*Kind, len(kinds))
	for _, k := range kinds {
		if err := k.Validate(); err != nil {
			return err
		}
		if _, dup := next[k.Name]; dup {
			return fmt.Errorf("duplicate kind %q", k.Name)
		}
		next[k.Name] = k
	}
	r.mu.Lock()
	r.kinds = next
	r.mu.Unlock()
	return nil
}

// kindsFile is the on-disk shape of a kinds definition file.
type kindsFile struct {
	Kinds []*Kind `yaml:"kinds"`
}

// LoadKindsFile parses a YAML kinds definition file.
func LoadKindsFile(path string) ([]*Kind, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read kinds file: %w", err)
	}
	return ParseKinds(data)
}

// ParseKinds parses YAML kind definitions and validates each kind.
func ParseKinds(data []byte) ([]*Kind, error) {
	var f kindsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse kinds file: %w", err)
	}
	if len(f.Kinds) == 0 {
		return nil, fmt.Errorf("kinds file defines no kinds")
	}
	for _, k := range f.Kinds {
		if err := k.Validate(); err != nil {
			return nil, err
		}
	}
	return f.Kinds, nil
}
