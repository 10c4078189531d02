package query

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/diwise/entity-cache/pkg/entitygraph/endpoint"
	"github.com/diwise/entity-cache/pkg/entitygraph/normalize"
	"github.com/diwise/entity-cache/pkg/entitygraph/schema"
	"github.com/diwise/entity-cache/pkg/entitygraph/store"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

var tracer = otel.Tracer("entity-cache/query")

type Status string

const (
	StatusIdle       Status = "idle"
	StatusLoading    Status = "loading"
	StatusRefetching Status = "refetching"
	StatusSuccess    Status = "success"
	StatusError      Status = "error"
)

// Snapshot is the observable state of a query at one point in time.
type Snapshot struct {
	Status Status `json:"status"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Query is one stateful declared fetch. It orchestrates the endpoint call,
// feeds the payload through normalization and merges the outcome into the
// entity store as a single atomic batch.
//
// A query is never terminal. Once it stops being observed it merely stops
// anchoring reachability for garbage collection.
type Query struct {
	id         uuid.UUID
	descriptor schema.QueryDescriptor
	fetch      endpoint.Func
	registry   *schema.Registry
	store      *store.Store

	group singleflight.Group

	mu          sync.Mutex
	status      Status
	request     any
	resultRoot  any
	err         error
	live        bool
	disposed    bool
	invalidated bool
}

func New(descriptor schema.QueryDescriptor, fetch endpoint.Func, registry *schema.Registry, s *store.Store) *Query {
	return &Query{
		id:         uuid.New(),
		descriptor: descriptor,
		fetch:      fetch,
		registry:   registry,
		store:      s,
		status:     StatusIdle,
	}
}

func (q *Query) ID() uuid.UUID {
	return q.id
}

func (q *Query) Name() string {
	return q.descriptor.Name
}

// Run fetches, normalizes and merges the result for the given request.
// Concurrent runs for an equal request are coalesced into one fetch and all
// callers share its outcome. Runs for different requests proceed
// independently.
func (q *Query) Run(ctx context.Context, request any) (Snapshot, error) {
	key, err := requestKey(request)
	if err != nil {
		return q.Snapshot(), err
	}

	_, err, _ = q.group.Do(key, func() (any, error) {
		return nil, q.run(ctx, request)
	})

	return q.Snapshot(), err
}

// Refresh re-runs the query with its last request.
func (q *Query) Refresh(ctx context.Context) (Snapshot, error) {
	q.mu.Lock()
	request := q.request
	q.mu.Unlock()

	return q.Run(ctx, request)
}

func (q *Query) run(ctx context.Context, request any) error {
	var err error

	ctx, span := tracer.Start(ctx, "run-query",
		trace.WithAttributes(attribute.String("query-name", q.descriptor.Name)),
		trace.WithAttributes(attribute.String("query-id", q.id.String())),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	q.mu.Lock()
	if q.status == StatusSuccess || q.status == StatusError {
		q.status = StatusRefetching
	} else {
		q.status = StatusLoading
	}
	q.request = request
	q.invalidated = false
	q.mu.Unlock()

	payload, err := q.fetch(ctx, request)
	if err != nil {
		q.failed(err)
		return err
	}

	normalized, records, err := normalize.Normalize(q.registry, q.descriptor.Result, payload)
	if err != nil {
		q.failed(err)
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.disposed {
		// a disposed query's late arriving result must never be merged
		logging.GetFromContext(ctx).Debug("discarding stale result",
			"query", q.descriptor.Name, "id", q.id.String(),
		)
		return nil
	}

	q.store.ApplyBatch(records)

	q.status = StatusSuccess
	q.resultRoot = normalized
	q.err = nil

	return nil
}

// failed records an error outcome. The previously resolved result root is
// deliberately kept so consumers can keep rendering the last good data.
func (q *Query) failed(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.status = StatusError
	q.err = err
}

// Invalidate marks the query so its next observation triggers a refetch,
// without clearing the currently served result root.
func (q *Query) Invalidate() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.invalidated = true
}

func (q *Query) Invalidated() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.invalidated
}

// SetLive is toggled by the consuming layer when it starts or stops
// observing this query. It is bookkeeping for the garbage collector only.
func (q *Query) SetLive(live bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.disposed {
		q.live = live
	}
}

func (q *Query) Live() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.live
}

// Dispose detaches the query for good: it stops anchoring reachability and
// any in-flight fetch result will be discarded instead of merged.
func (q *Query) Dispose() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.disposed = true
	q.live = false
}

func (q *Query) Disposed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.disposed
}

func (q *Query) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.status
}

// ResultRoot returns the normalized result of the last successful run: a
// Ref, a []Ref, a plain value, or nil if the query never resolved.
func (q *Query) ResultRoot() any {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.resultRoot
}

func (q *Query) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Snapshot{
		Status: q.status,
		Data:   q.resultRoot,
	}

	if q.err != nil {
		s.Error = q.err.Error()
	}

	return s
}

func requestKey(request any) (string, error) {
	// encoding/json sorts map keys, which makes the key canonical for
	// equal requests
	key, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("failed to derive request key: %w", err)
	}

	return string(key), nil
}
