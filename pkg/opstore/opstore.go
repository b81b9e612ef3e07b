// Package opstore is the registry of preknown GraphQL operations used by
// store-mode admission (§4.3): a client names an entry and the proxy
// executes that entry's stored query text rather than whatever the client
// sent, so the client can never inject an arbitrary query.
package opstore

import (
	"fmt"
	"sync"

	"github.com/wundergraph/edge-policy-proxy/pkg/proxyreq"
)

type Kind string

const (
	Query        Kind = "query"
	Mutation     Kind = "mutation"
	Subscription Kind = "subscription"
)

// Behaviour is an open key->value map. The recognized key "ttl" (a
// non-negative integer number of seconds) informs caching downstream;
// unrecognized keys are preserved verbatim for whatever caller extended the
// schema.
type Behaviour map[string]interface{}

// TTL returns the configured ttl behaviour key, if present and well-formed.
func (b Behaviour) TTL() (int, bool) {
	v, ok := b["ttl"]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		if n < 0 {
			return 0, false
		}
		return n, true
	case float64:
		if n < 0 {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}

// Definition is an immutable, preregistered operation. Produced out-of-band
// by a code-generation tool and loaded at startup (§6).
type Definition struct {
	Name      string
	Kind      Kind
	QueryText string
	Behaviour Behaviour
}

// Validator runs after operation resolution and before proxying. A non-nil
// return becomes a 400 response carrying its message.
type Validator func(def *Definition, parsed *proxyreq.ParsedRequest, origReq interface{}) error

// Store maps operation name to Definition plus a parallel, optional
// validator per name. Safe for concurrent readers; the only writer path is
// SetValidator, expected to run only during initialization ("configure
// fully, then serve" - §5).
type Store struct {
	mu         sync.RWMutex
	defs       map[string]*Definition
	validators map[string]Validator
}

// New builds a Store from a finite list of definitions, as loaded from the
// JSON schema of §6 ([{operationName, operationType, query, behaviour}]).
func New(defs []Definition) *Store {
	s := &Store{
		defs:       make(map[string]*Definition, len(defs)),
		validators: make(map[string]Validator, len(defs)),
	}
	for i := range defs {
		d := defs[i]
		s.defs[d.Name] = &d
	}
	return s
}

// Get returns the definition registered under name, if any.
func (s *Store) Get(name string) (*Definition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.defs[name]
	return d, ok
}

// List returns every registered definition, in no particular order.
func (s *Store) List() []*Definition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Definition, 0, len(s.defs))
	for _, d := range s.defs {
		out = append(out, d)
	}
	return out
}

// SetValidator installs (or, with fn == nil, removes) the validator for
// name. Fails if name was not registered at construction.
func (s *Store) SetValidator(name string, fn Validator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.defs[name]; !ok {
		return fmt.Errorf("unknown operation %q", name)
	}
	if fn == nil {
		delete(s.validators, name)
		return nil
	}
	s.validators[name] = fn
	return nil
}

// Validator returns the validator registered for name, if any.
func (s *Store) Validator(name string) (Validator, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn, ok := s.validators[name]
	return fn, ok
}
