// Package validator defines the pluggable per-namespace record validation
// and selection hooks spec.md treats as Non-goals to prescribe ("arbitrary-
// schema record validation (validators are pluggable, not prescribed)").
// The DHT core only needs the shape of these hooks; concrete validators
// live with whatever application registers them.
package validator

import "github.com/nmxmxh/kadmesh/kad/pb"

// Validator checks whether value is an acceptable record for key within its
// namespace (the key's first path segment without slashes, e.g. "pk" for
// "/pk/..." or "ipns" for "/ipns/...").
type Validator interface {
	Validate(key string, value []byte) error
}

// Selector picks the best of several candidate values for the same key,
// returning its index, e.g. by embedded sequence number or timestamp.
type Selector interface {
	Select(key string, values [][]byte) (best int, err error)
}

// Registry dispatches to the validator/selector registered for a key's
// namespace prefix, falling back to an accept-nothing policy for an
// unregistered namespace so GET_VALUE/PUT_VALUE fail closed rather than
// silently accepting unvalidated data.
type Registry struct {
	validators map[string]Validator
	selectors  map[string]Selector
}

func NewRegistry() *Registry {
	return &Registry{
		validators: make(map[string]Validator),
		selectors:  make(map[string]Selector),
	}
}

func (r *Registry) RegisterValidator(namespace string, v Validator) { r.validators[namespace] = v }
func (r *Registry) RegisterSelector(namespace string, s Selector)   { r.selectors[namespace] = s }

func (r *Registry) Validate(namespace, key string, value []byte) error {
	v, ok := r.validators[namespace]
	if !ok {
		return ErrUnknownNamespace
	}
	return v.Validate(key, value)
}

func (r *Registry) Select(namespace, key string, values [][]byte) (int, error) {
	s, ok := r.selectors[namespace]
	if !ok {
		return 0, ErrUnknownNamespace
	}
	return s.Select(key, values)
}

// BetterRecord reports whether candidate should replace current under
// namespace's selector, used by the RPC handler's PUT_VALUE rule ("valid
// and (no local record OR selector picks the new one)").
func (r *Registry) BetterRecord(namespace, key string, current, candidate *pb.Record) (bool, error) {
	if current == nil {
		return true, nil
	}
	best, err := r.Select(namespace, key, [][]byte{current.Value, candidate.Value})
	if err != nil {
		return false, err
	}
	return best == 1, nil
}

var ErrUnknownNamespace = &namespaceError{}

type namespaceError struct{}

func (*namespaceError) Error() string { return "validator: unknown namespace" }
