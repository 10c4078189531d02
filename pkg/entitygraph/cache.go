package entitygraph

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/diwise/entity-cache/pkg/entitygraph/endpoint"
	"github.com/diwise/entity-cache/pkg/entitygraph/query"
	"github.com/diwise/entity-cache/pkg/entitygraph/schema"
	"github.com/diwise/entity-cache/pkg/entitygraph/store"
	"github.com/google/uuid"
)

// Cache assembles the schema registry, the entity store, the change
// notifier and the garbage collector into one normalized query cache.
//
// Queries hold Refs into the store, never embedded copies, which is what
// makes every payload mention of an entity resolve to one canonical,
// always fresh record.
type Cache struct {
	registry  *schema.Registry
	store     *store.Store
	notifier  *store.Notifier
	collector *store.Collector

	mu      sync.Mutex
	queries map[uuid.UUID]*query.Query
	byName  map[string]*query.Query

	grace    time.Duration
	interval time.Duration
}

type CacheOptionFunc func(*Cache)

func WithGracePeriod(d time.Duration) CacheOptionFunc {
	return func(c *Cache) {
		c.grace = d
	}
}

func WithCollectionInterval(d time.Duration) CacheOptionFunc {
	return func(c *Cache) {
		c.interval = d
	}
}

func WithRegistry(reg *schema.Registry) CacheOptionFunc {
	return func(c *Cache) {
		c.registry = reg
	}
}

func New(ctx context.Context, options ...CacheOptionFunc) *Cache {
	c := &Cache{
		queries:  map[uuid.UUID]*query.Query{},
		byName:   map[string]*query.Query{},
		grace:    store.DefaultGracePeriod,
		interval: store.DefaultCollectionInterval,
	}

	for _, option := range options {
		option(c)
	}

	if c.registry == nil {
		c.registry = schema.NewRegistry()
	}

	c.notifier = store.NewNotifier()
	c.store = store.New(store.WithNotifier(c.notifier))
	c.collector = store.NewCollector(c.store, c.liveRoots, c.grace, c.interval)

	return c
}

func (c *Cache) Registry() *schema.Registry {
	return c.registry
}

func (c *Cache) Store() *store.Store {
	return c.store
}

func (c *Cache) Start(ctx context.Context) error {
	if err := c.notifier.Start(); err != nil {
		return err
	}

	return c.collector.Start(ctx)
}

func (c *Cache) Stop() error {
	if err := c.collector.Stop(); err != nil {
		return err
	}

	return c.notifier.Stop()
}

// DeclareQuery instantiates a query for a registered descriptor, bound to
// the endpoint function that fetches its payloads.
func (c *Cache) DeclareQuery(name string, fetch endpoint.Func) (*query.Query, error) {
	descriptor, err := c.registry.LookupQuery(name)
	if err != nil {
		return nil, err
	}

	q := query.New(descriptor, fetch, c.registry, c.store)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.queries[q.ID()] = q
	c.byName[name] = q

	return q, nil
}

// Query returns the most recently declared instance for a query name.
func (c *Cache) Query(name string) (*query.Query, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, ok := c.byName[name]
	if !ok {
		return nil, fmt.Errorf("no instance declared for query %s", name)
	}

	return q, nil
}

// Subscribe starts observing a query. It returns the current snapshot, a
// channel that fires whenever the query's result root or any entity it
// transitively resolves to changes, and a cancel function. The query stays
// live, anchoring its entities against collection, until the last
// subscriber cancels.
//
// Observing an invalidated query triggers a background refetch while the
// stale snapshot keeps being served.
func (c *Cache) Subscribe(ctx context.Context, q *query.Query) (query.Snapshot, <-chan store.Change, func()) {
	q.SetLive(true)

	if q.Invalidated() {
		go q.Refresh(context.WithoutCancel(ctx))
	}

	changes := make(chan store.Change, 32)

	unsubscribe := c.notifier.Subscribe(func(change store.Change) {
		if !c.affects(q, change.Ref) {
			return
		}

		select {
		case changes <- change:
		default:
			// slow consumers drop notifications rather than stall
			// the dispatcher
		}
	})

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			unsubscribe()
			q.SetLive(false)
		})
	}

	return q.Snapshot(), changes, cancel
}

func (c *Cache) affects(q *query.Query, ref store.Ref) bool {
	for _, key := range c.store.ReachableFrom(q.ResultRoot()) {
		if key == ref {
			return true
		}
	}

	return false
}

// Dispose detaches a query for good and triggers an on-demand collection
// cycle to start the grace clock for entities it anchored.
func (c *Cache) Dispose(ctx context.Context, q *query.Query) {
	q.Dispose()

	c.mu.Lock()
	delete(c.queries, q.ID())
	if c.byName[q.Name()] == q {
		delete(c.byName, q.Name())
	}
	c.mu.Unlock()

	c.collector.Collect(ctx)
}

// Collect runs an on-demand collection cycle.
func (c *Cache) Collect(ctx context.Context) int {
	return c.collector.Collect(ctx)
}

// TypeNames enumerates entity types with cached records, for inspection.
func (c *Cache) TypeNames() []string {
	return c.store.TypeNames()
}

// IdentitiesOfType enumerates cached identities of a type, for inspection.
func (c *Cache) IdentitiesOfType(entityType string) []string {
	return c.store.IdentitiesOfType(entityType)
}

func (c *Cache) liveRoots() []any {
	c.mu.Lock()
	defer c.mu.Unlock()

	roots := make([]any, 0, len(c.queries))

	for _, q := range c.queries {
		if q.Live() {
			roots = append(roots, q.ResultRoot())
		}
	}

	return roots
}
