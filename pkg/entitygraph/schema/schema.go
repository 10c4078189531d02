package schema

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/diwise/entity-cache/pkg/entitygraph/errors"
)

// Kind describes what a declared field holds: a plain value, a reference
// to a single entity, or an ordered collection of references.
type Kind string

const (
	KindScalar  Kind = "scalar"
	KindRef     Kind = "ref"
	KindRefList Kind = "reflist"
)

type Field struct {
	Kind   Kind
	Target string
}

// EntityType declares the shape of one entity type. Fields that are not
// declared are treated as scalars by the normalizer.
type EntityType struct {
	Name          string
	IdentityField string
	Fields        map[string]Field
}

// QueryDescriptor declares the result shape of one named query.
type QueryDescriptor struct {
	Name   string
	Result Field
}

type Registry struct {
	mu      sync.RWMutex
	types   map[string]EntityType
	queries map[string]QueryDescriptor
}

func NewRegistry() *Registry {
	return &Registry{
		types:   map[string]EntityType{},
		queries: map[string]QueryDescriptor{},
	}
}

// Register adds an entity type to the registry. Re-registering an identical
// shape is a no-op, but re-registering a different shape under the same name
// is a configuration defect and fails with ErrSchemaConflict.
func (r *Registry) Register(t EntityType) error {
	if t.Name == "" {
		return errors.NewSchemaConflictError("entity types must be named")
	}

	if t.IdentityField == "" {
		return errors.NewSchemaConflictError(
			fmt.Sprintf("entity type %s does not declare an identity field", t.Name),
		)
	}

	if f, ok := t.Fields[t.IdentityField]; ok && f.Kind != KindScalar {
		return errors.NewSchemaConflictError(
			fmt.Sprintf("identity field %s of entity type %s must be a scalar", t.IdentityField, t.Name),
		)
	}

	for name, f := range t.Fields {
		if (f.Kind == KindRef || f.Kind == KindRefList) && f.Target == "" {
			return errors.NewSchemaConflictError(
				fmt.Sprintf("reference field %s of entity type %s has no target type", name, t.Name),
			)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.types[t.Name]; ok {
		if reflect.DeepEqual(existing, t) {
			return nil
		}
		return errors.NewSchemaConflictError(
			fmt.Sprintf("entity type %s is already registered with a different shape", t.Name),
		)
	}

	r.types[t.Name] = t

	return nil
}

func (r *Registry) Lookup(name string) (EntityType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.types[name]
	if !ok {
		return EntityType{}, errors.NewUnknownTypeError(
			fmt.Sprintf("entity type %s is not registered", name),
		)
	}

	return t, nil
}

func (r *Registry) RegisterQuery(qd QueryDescriptor) error {
	if qd.Name == "" {
		return errors.NewSchemaConflictError("query descriptors must be named")
	}

	if (qd.Result.Kind == KindRef || qd.Result.Kind == KindRefList) && qd.Result.Target == "" {
		return errors.NewSchemaConflictError(
			fmt.Sprintf("result of query %s has no target type", qd.Name),
		)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.queries[qd.Name]; ok {
		if reflect.DeepEqual(existing, qd) {
			return nil
		}
		return errors.NewSchemaConflictError(
			fmt.Sprintf("query %s is already registered with a different shape", qd.Name),
		)
	}

	r.queries[qd.Name] = qd

	return nil
}

func (r *Registry) LookupQuery(name string) (QueryDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	qd, ok := r.queries[name]
	if !ok {
		return QueryDescriptor{}, errors.NewNotFoundError(
			fmt.Sprintf("query %s is not registered", name),
		)
	}

	return qd, nil
}

// Validate checks that every declared reference target resolves to a
// registered entity type. Targets may be registered in any order, so this
// is meant to run once, after all registrations are done.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	checkTarget := func(owner, field string, f Field) error {
		if f.Kind != KindRef && f.Kind != KindRefList {
			return nil
		}
		if _, ok := r.types[f.Target]; !ok {
			return errors.NewUnknownTypeError(
				fmt.Sprintf("%s field %s references unregistered type %s", owner, field, f.Target),
			)
		}
		return nil
	}

	for _, t := range r.types {
		for name, f := range t.Fields {
			if err := checkTarget(t.Name, name, f); err != nil {
				return err
			}
		}
	}

	for _, qd := range r.queries {
		if err := checkTarget("query "+qd.Name, "result", qd.Result); err != nil {
			return err
		}
	}

	return nil
}

// TypeNames returns the names of all registered entity types.
func (r *Registry) TypeNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}

	return names
}
