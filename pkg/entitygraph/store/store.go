package store

import (
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/diwise/entity-cache/pkg/entitygraph/errors"
)

// Ref is a lightweight pointer by identity into the store. It carries no
// data itself and resolving it is a lookup, never a transfer.
type Ref struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func NewRef(entityType, entityID string) Ref {
	return Ref{Type: entityType, ID: entityID}
}

func (r Ref) String() string {
	return fmt.Sprintf("%s(%s)", r.Type, r.ID)
}

// Record is the canonical stored form of one entity. Attribute values are
// scalars, Ref or []Ref, never embedded copies of other entities.
type Record struct {
	Type       string         `json:"type"`
	ID         string         `json:"id"`
	Attributes map[string]any `json:"attributes"`
}

func (r Record) Ref() Ref {
	return NewRef(r.Type, r.ID)
}

// Store holds one table of records per entity type, keyed by identity.
// All mutations are serialized: a batch produced by one normalization is
// applied under a single lock acquisition, so readers never observe a
// partially merged batch.
type Store struct {
	mu     sync.RWMutex
	tables map[string]map[string]Record

	// condemned tracks when an entity was first found unreachable,
	// consumed by the collector's grace period handling
	condemned map[Ref]time.Time

	notifier *Notifier
}

func New(options ...func(*Store)) *Store {
	s := &Store{
		tables:    map[string]map[string]Record{},
		condemned: map[Ref]time.Time{},
	}

	for _, option := range options {
		option(s)
	}

	return s
}

func WithNotifier(n *Notifier) func(*Store) {
	return func(s *Store) {
		s.notifier = n
	}
}

// Put merges a single record into the store, as a batch of one.
func (s *Store) Put(r Record) {
	s.ApplyBatch([]Record{r})
}

// ApplyBatch merges all records of one normalization pass into the store as
// a single atomic update. Merging is a shallow per-field overwrite: only
// fields present in the incoming record are overwritten, everything else is
// preserved from the prior record. Records are never wholesale replaced, so
// stale Refs keep resolving to the freshest merged state.
func (s *Store) ApplyBatch(records []Record) {
	if len(records) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range records {
		// a merged entity is wanted by some query again: restart its grace
		// clock, so a collection cycle working from roots gathered before
		// this batch can at worst re-condemn it, never evict it
		delete(s.condemned, r.Ref())

		table, ok := s.tables[r.Type]
		if !ok {
			table = map[string]Record{}
			s.tables[r.Type] = table
		}

		existing, ok := table[r.ID]
		if !ok {
			attributes := make(map[string]any, len(r.Attributes))
			for k, v := range r.Attributes {
				attributes[k] = v
			}
			table[r.ID] = Record{Type: r.Type, ID: r.ID, Attributes: attributes}
			s.notify(Change{Kind: ChangeCreated, Ref: r.Ref()})
			continue
		}

		for k, v := range r.Attributes {
			existing.Attributes[k] = v
		}
		table[r.ID] = existing
		s.notify(Change{Kind: ChangeUpdated, Ref: r.Ref()})
	}
}

// Get returns a copy of the current record for (type,id), or ErrNotFound.
func (s *Store) Get(entityType, entityID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getLocked(entityType, entityID)
}

func (s *Store) getLocked(entityType, entityID string) (Record, error) {
	r, ok := s.tables[entityType][entityID]
	if !ok {
		return Record{}, errors.NewNotFoundError(
			fmt.Sprintf("no entity %s(%s) in store", entityType, entityID),
		)
	}

	attributes := make(map[string]any, len(r.Attributes))
	for k, v := range r.Attributes {
		attributes[k] = v
	}

	return Record{Type: r.Type, ID: r.ID, Attributes: attributes}, nil
}

// Remove deletes the record for (type,id) if present.
func (s *Store) Remove(entityType, entityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLocked(NewRef(entityType, entityID))
}

func (s *Store) removeLocked(ref Ref) {
	if _, ok := s.tables[ref.Type][ref.ID]; !ok {
		return
	}

	delete(s.tables[ref.Type], ref.ID)
	delete(s.condemned, ref)
	s.notify(Change{Kind: ChangeRemoved, Ref: ref})
}

// Keys returns a snapshot of all (type,id) pairs currently in the store.
func (s *Store) Keys() []Ref {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.keysLocked()
}

func (s *Store) keysLocked() []Ref {
	keys := make([]Ref, 0)

	for entityType, table := range s.tables {
		for entityID := range table {
			keys = append(keys, NewRef(entityType, entityID))
		}
	}

	return keys
}

// TypeNames returns the entity types that currently have at least one
// cached record, for inspection purposes.
func (s *Store) TypeNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.tables))
	for name, table := range s.tables {
		if len(table) > 0 {
			names = append(names, name)
		}
	}

	return names
}

// IdentitiesOfType returns the identities currently cached for a type.
func (s *Store) IdentitiesOfType(entityType string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	table := s.tables[entityType]
	identities := make([]string, 0, len(table))
	for entityID := range table {
		identities = append(identities, entityID)
	}

	return identities
}

func (s *Store) notify(c Change) {
	if s.notifier != nil {
		// enqueued while holding the store lock so that notification
		// order matches write order
		s.notifier.enqueue(c)
	}
}

// Resolve turns a Ref into a live view over the referenced entity. Every
// read through the view goes against current store state, so a view held
// across merges always reflects the freshest record. ErrNotFound is
// returned if the entity is not currently cached; the view is still usable
// and will report existence should the entity appear later.
func (s *Store) Resolve(ref Ref) (EntityView, error) {
	v := EntityView{store: s, ref: ref}

	if !v.Exists() {
		return v, errors.NewNotFoundError(fmt.Sprintf("no entity %s in store", ref.String()))
	}

	return v, nil
}

// ResolveList turns a sequence of Refs into a lazy, finite, restartable
// sequence of live views. Re-ranging re-reads current store state; entities
// evicted between iterations are skipped.
func (s *Store) ResolveList(refs []Ref) iter.Seq[EntityView] {
	return func(yield func(EntityView) bool) {
		for _, ref := range refs {
			v := EntityView{store: s, ref: ref}
			if !v.Exists() {
				continue
			}
			if !yield(v) {
				return
			}
		}
	}
}

// EntityView is a read only, always current view of one entity.
type EntityView struct {
	store *Store
	ref   Ref
}

func (v EntityView) Ref() Ref {
	return v.ref
}

func (v EntityView) Type() string {
	return v.ref.Type
}

func (v EntityView) ID() string {
	return v.ref.ID
}

func (v EntityView) Exists() bool {
	v.store.mu.RLock()
	defer v.store.mu.RUnlock()

	_, ok := v.store.tables[v.ref.Type][v.ref.ID]
	return ok
}

// Attribute reads the current value of a single attribute.
func (v EntityView) Attribute(name string) (any, bool) {
	r, err := v.store.Get(v.ref.Type, v.ref.ID)
	if err != nil {
		return nil, false
	}

	value, ok := r.Attributes[name]
	return value, ok
}

// Attributes returns a copy of the entity's current attributes.
func (v EntityView) Attributes() map[string]any {
	r, err := v.store.Get(v.ref.Type, v.ref.ID)
	if err != nil {
		return map[string]any{}
	}

	return r.Attributes
}

// Resolve follows a single reference attribute to a view of its target.
func (v EntityView) Resolve(name string) (EntityView, error) {
	value, ok := v.Attribute(name)
	if !ok {
		return EntityView{}, errors.NewNotFoundError(
			fmt.Sprintf("entity %s has no attribute %s", v.ref.String(), name),
		)
	}

	ref, ok := value.(Ref)
	if !ok {
		return EntityView{}, errors.NewNotFoundError(
			fmt.Sprintf("attribute %s of entity %s is not a reference", name, v.ref.String()),
		)
	}

	return v.store.Resolve(ref)
}

// ResolveList follows a reference collection attribute, yielding live views
// in stored order.
func (v EntityView) ResolveList(name string) iter.Seq[EntityView] {
	return func(yield func(EntityView) bool) {
		value, ok := v.Attribute(name)
		if !ok {
			return
		}

		refs, ok := value.([]Ref)
		if !ok {
			return
		}

		for view := range v.store.ResolveList(refs) {
			if !yield(view) {
				return
			}
		}
	}
}
