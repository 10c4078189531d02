package store

import (
	"context"
	"sync"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("entity-cache/store/gc")

// RootsFunc returns the result roots of all currently live queries. The
// values are whatever a query resolved to: a Ref, a []Ref, a scalar, or nil.
type RootsFunc func() []any

// Collector reclaims records unreachable from any live query root using a
// mark and sweep walk over the stored reference graph.
//
// An entity is not evicted the first time it is found unreachable. It is
// condemned with a timestamp and removed only if it is still unreachable
// once the grace period has elapsed, so that quick re-mounts get cache hits
// instead of refetches. Becoming reachable again lifts the condemnation.
type Collector struct {
	store *Store
	roots RootsFunc

	grace    time.Duration
	interval time.Duration

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	stopped chan struct{}
}

const (
	DefaultGracePeriod        = 30 * time.Second
	DefaultCollectionInterval = time.Minute
)

func NewCollector(s *Store, roots RootsFunc, grace, interval time.Duration) *Collector {
	if grace < 0 {
		grace = DefaultGracePeriod
	}

	if interval <= 0 {
		interval = DefaultCollectionInterval
	}

	return &Collector{
		store:    s,
		roots:    roots,
		grace:    grace,
		interval: interval,
	}
}

// Start schedules periodic collection until Stop is called or the context
// is done.
func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return nil
	}

	c.started = true
	c.stop = make(chan struct{})
	c.stopped = make(chan struct{})

	go c.run(ctx)

	return nil
}

func (c *Collector) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}

	c.started = false
	stop := c.stop
	stopped := c.stopped
	c.mu.Unlock()

	close(stop)
	<-stopped

	return nil
}

func (c *Collector) run(ctx context.Context) {
	defer close(c.stopped)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Collect(ctx)
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Collect runs one mark and sweep cycle and returns the number of evicted
// entities. The entire cycle holds the store's mutation lock, so it never
// interleaves with an in-progress batch merge.
func (c *Collector) Collect(ctx context.Context) int {
	_, span := tracer.Start(ctx, "collect-entities")
	defer span.End()

	// gather roots before taking the store lock, since live queries hold
	// locks of their own
	roots := c.roots()

	now := time.Now()

	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()

	reachable := s.reachableLocked(roots)

	evicted := 0

	for _, key := range s.keysLocked() {
		if _, ok := reachable[key]; ok {
			delete(s.condemned, key)
			continue
		}

		condemnedAt, ok := s.condemned[key]
		if !ok {
			s.condemned[key] = now
			continue
		}

		if now.Sub(condemnedAt) >= c.grace {
			s.removeLocked(key)
			evicted++
		}
	}

	if evicted > 0 {
		logging.GetFromContext(ctx).Debug("evicted unreachable entities", "count", evicted)
	}

	return evicted
}

// ReachableFrom computes the set of (type,id) pairs transitively reachable
// from the given roots through stored references.
func (s *Store) ReachableFrom(roots ...any) []Ref {
	s.mu.RLock()
	defer s.mu.RUnlock()

	reachable := s.reachableLocked(roots)

	keys := make([]Ref, 0, len(reachable))
	for key := range reachable {
		keys = append(keys, key)
	}

	return keys
}

// reachableLocked walks the reference graph with a visited set, so cycles
// between entities terminate like any other graph traversal.
func (s *Store) reachableLocked(roots []any) map[Ref]struct{} {
	visited := map[Ref]struct{}{}

	var walk func(value any)
	walk = func(value any) {
		switch v := value.(type) {
		case Ref:
			if _, ok := visited[v]; ok {
				return
			}
			visited[v] = struct{}{}

			r, ok := s.tables[v.Type][v.ID]
			if !ok {
				return
			}

			for _, attribute := range r.Attributes {
				walk(attribute)
			}
		case []Ref:
			for _, ref := range v {
				walk(ref)
			}
		}
	}

	for _, root := range roots {
		walk(root)
	}

	return visited
}
