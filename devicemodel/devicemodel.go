// Package devicemodel implements the typed (Component, Variable,
// Attribute) -> value configuration store. It is the sole configuration
// surface for the core: every tunable is a variable registered here,
// with a declared type, mutability, and optional persistence.
package devicemodel

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/ocpp-core/station/corterr"
)

// Attribute mirrors OCPP's Actual/Target/MinSet/MaxSet attribute split;
// the core only ever reads/writes Actual.
type Attribute string

const Actual Attribute = "Actual"

// Mutability controls whether SetVariable may change a variable at runtime.
type Mutability int

const (
	ReadWrite Mutability = iota
	ReadOnly
)

// Kind is the variable's declared value type.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindFloat
	KindBool
)

// Key identifies one variable within one component.
type Key struct {
	Component string
	Variable  string
}

// Definition describes a registered variable.
type Definition struct {
	Key        Key
	Kind       Kind
	Mutability Mutability
	Persist    bool // survives process restart
	Default    any
}

// Store is the in-memory device model, optionally backed by a persistence
// callback for variables with Persist=true.
type Store struct {
	mu     sync.RWMutex
	defs   map[Key]Definition
	values map[Key]any

	// persist, when set, is invoked after every successful write of a
	// Persist=true variable. Wired to db.Handler by the facade.
	persist func(Key, any) error
}

func New() *Store {
	return &Store{
		defs:   make(map[Key]Definition),
		values: make(map[Key]any),
	}
}

// SetPersistHook wires the callback used to durably store Persist=true
// variables. Called once at construction time by the facade.
func (s *Store) SetPersistHook(fn func(Key, any) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persist = fn
}

// Register declares a variable and seeds it with its default, unless a
// persisted value is supplied via Restore.
func (s *Store) Register(def Definition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs[def.Key] = def
	if _, exists := s.values[def.Key]; !exists {
		s.values[def.Key] = def.Default
	}
}

// Restore seeds a variable's value from persisted storage at boot, before
// any SetVariable call. It bypasses mutability checks.
func (s *Store) Restore(key Key, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Get returns the current value. Non-blocking.
func (s *Store) Get(key Key) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *Store) GetString(key Key) string {
	v, _ := s.Get(key)
	s2, _ := v.(string)
	return s2
}

func (s *Store) GetInt(key Key) int {
	v, _ := s.Get(key)
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}

func (s *Store) GetFloat(key Key) float64 {
	v, _ := s.Get(key)
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	return 0
}

func (s *Store) GetBool(key Key) bool {
	v, _ := s.Get(key)
	b, _ := v.(bool)
	return b
}

// Definitions returns every registered variable definition, sorted by
// component then variable name, for configuration reporting.
func (s *Store) Definitions() []Definition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Definition, 0, len(s.defs))
	for _, d := range s.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Component != out[j].Key.Component {
			return out[i].Key.Component < out[j].Key.Component
		}
		return out[i].Key.Variable < out[j].Key.Variable
	})
	return out
}

// Set implements the SetVariable request path: validated,
// routed through mutability, persisted when the definition says so.
func (s *Store) Set(key Key, value any) error {
	s.mu.Lock()
	def, ok := s.defs[key]
	if !ok {
		s.mu.Unlock()
		return corterr.New(corterr.KindConfiguration, fmt.Sprintf("unknown variable %s.%s", key.Component, key.Variable), nil)
	}
	if def.Mutability == ReadOnly {
		s.mu.Unlock()
		return corterr.New(corterr.KindRejected, "variable is read-only", nil)
	}
	if !kindMatches(def.Kind, value) {
		s.mu.Unlock()
		return corterr.New(corterr.KindRejected, "value does not match declared type", nil)
	}
	s.values[key] = value
	persist := s.persist
	shouldPersist := def.Persist
	s.mu.Unlock()

	if shouldPersist && persist != nil {
		if err := persist(key, value); err != nil {
			log.Error().Err(err).Str("component", key.Component).Str("variable", key.Variable).Msg("devicemodel: persist failed")
			return corterr.New(corterr.KindStorage, "failed to persist variable", err)
		}
	}
	return nil
}

func kindMatches(k Kind, v any) bool {
	switch k {
	case KindString:
		_, ok := v.(string)
		return ok
	case KindInt:
		_, ok := v.(int)
		return ok
	case KindFloat:
		switch v.(type) {
		case float64, int:
			return true
		}
		return false
	case KindBool:
		_, ok := v.(bool)
		return ok
	}
	return false
}
