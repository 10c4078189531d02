package query

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	graphErrors "github.com/diwise/entity-cache/pkg/entitygraph/errors"
	"github.com/diwise/entity-cache/pkg/entitygraph/schema"
	"github.com/diwise/entity-cache/pkg/entitygraph/store"
	"github.com/matryer/is"
)

func TestRunTransitionsToSuccess(t *testing.T) {
	is := is.New(t)
	q, s := testQuery(t, fetchReturning(`{"id":"1", "title":"Buy milk", "createdBy":{"id":"9", "name":"Ann"}}`))

	is.Equal(q.Status(), StatusIdle)

	snapshot, err := q.Run(context.Background(), nil)
	is.NoErr(err)
	is.Equal(snapshot.Status, StatusSuccess)
	is.Equal(q.ResultRoot(), store.NewRef("Todo", "1"))

	// the end to end scenario: both entities extracted, reference rewritten
	todo, err := s.Get("Todo", "1")
	is.NoErr(err)
	is.Equal(todo.Attributes["createdBy"], store.NewRef("User", "9"))

	user, err := s.Get("User", "9")
	is.NoErr(err)
	is.Equal(user.Attributes["name"], "Ann")
}

func TestEndpointFailureTransitionsToError(t *testing.T) {
	is := is.New(t)
	q, s := testQuery(t, func(ctx context.Context, request any) (any, error) {
		return nil, graphErrors.NewEndpointFailureError("boom")
	})

	_, err := q.Run(context.Background(), nil)
	is.True(errors.Is(err, graphErrors.ErrEndpointFailure)) // should have returned an endpoint failure
	is.Equal(q.Status(), StatusError)

	is.Equal(len(s.Keys()), 0) // the store is left untouched
}

func TestFailedNormalizationLeavesStoreUntouched(t *testing.T) {
	is := is.New(t)
	q, s := testQuery(t, fetchReturning(`{"title":"no identity", "createdBy":{"id":"9", "name":"Ann"}}`))

	_, err := q.Run(context.Background(), nil)
	is.True(errors.Is(err, graphErrors.ErrMissingIdentity)) // should have returned a missing identity error
	is.Equal(q.Status(), StatusError)

	is.Equal(len(s.Keys()), 0) // not even the valid nested entity may enter
}

func TestRefetchAfterResolutionUsesRefetchingStatus(t *testing.T) {
	is := is.New(t)

	var status atomic.Value
	var q *Query
	q, _ = testQuery(t, func(ctx context.Context, request any) (any, error) {
		status.Store(q.Status())
		return payload(`{"id":"1", "title":"Buy milk"}`), nil
	})

	_, err := q.Run(context.Background(), nil)
	is.NoErr(err)
	is.Equal(status.Load(), StatusLoading)

	_, err = q.Run(context.Background(), nil)
	is.NoErr(err)
	is.Equal(status.Load(), StatusRefetching)
}

func TestErrorOutcomeKeepsLastGoodResult(t *testing.T) {
	is := is.New(t)

	fail := false
	q, _ := testQuery(t, func(ctx context.Context, request any) (any, error) {
		if fail {
			return nil, graphErrors.NewEndpointFailureError("boom")
		}
		return payload(`{"id":"1", "title":"Buy milk"}`), nil
	})

	_, err := q.Run(context.Background(), nil)
	is.NoErr(err)

	fail = true
	snapshot, err := q.Run(context.Background(), nil)
	is.True(err != nil)

	is.Equal(snapshot.Status, StatusError)
	is.Equal(snapshot.Data, store.NewRef("Todo", "1")) // stale data keeps being served
}

func TestConcurrentEqualRequestsAreCoalesced(t *testing.T) {
	is := is.New(t)

	var fetches int32
	started := make(chan struct{})
	release := make(chan struct{})

	q, _ := testQuery(t, func(ctx context.Context, request any) (any, error) {
		if atomic.AddInt32(&fetches, 1) == 1 {
			close(started)
		}
		<-release
		return payload(`{"id":"1", "title":"Buy milk"}`), nil
	})

	request := map[string]any{"limit": 10.0}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.Run(context.Background(), request)
	}()

	// wait for the first fetch to be in flight, then pile on duplicates
	<-started

	for i := 0; i < 7; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Run(context.Background(), request)
		}()
	}

	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	is.Equal(atomic.LoadInt32(&fetches), int32(1)) // duplicate fetches must coalesce
}

func TestInvalidateMarksWithoutClearingResult(t *testing.T) {
	is := is.New(t)
	q, _ := testQuery(t, fetchReturning(`{"id":"1", "title":"Buy milk"}`))

	_, err := q.Run(context.Background(), nil)
	is.NoErr(err)

	q.Invalidate()

	is.True(q.Invalidated())
	is.Equal(q.ResultRoot(), store.NewRef("Todo", "1")) // result survives invalidation

	_, err = q.Refresh(context.Background())
	is.NoErr(err)
	is.True(!q.Invalidated()) // a completed run clears the mark
}

func TestDisposedQueryDiscardsLateResult(t *testing.T) {
	is := is.New(t)

	started := make(chan struct{})
	release := make(chan struct{})

	var q *Query
	var s *store.Store
	q, s = testQuery(t, func(ctx context.Context, request any) (any, error) {
		close(started)
		<-release
		return payload(`{"id":"1", "title":"too late"}`), nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Run(context.Background(), nil)
	}()

	<-started
	q.Dispose()
	close(release)
	<-done

	is.Equal(len(s.Keys()), 0) // a disposed query's result is never merged
	is.True(q.Disposed())
	is.True(!q.Live())
}

func TestSetLiveIsBookkeepingOnly(t *testing.T) {
	is := is.New(t)
	q, _ := testQuery(t, fetchReturning(`{"id":"1", "title":"Buy milk"}`))

	q.SetLive(true)
	is.True(q.Live())

	q.SetLive(false)
	is.True(!q.Live())

	q.Dispose()
	q.SetLive(true)
	is.True(!q.Live()) // disposed queries can not come back live
}

func testQuery(t *testing.T, fetch func(context.Context, any) (any, error)) (*Query, *store.Store) {
	is := is.New(t)

	reg := schema.NewRegistry()

	is.NoErr(reg.Register(schema.EntityType{
		Name:          "User",
		IdentityField: "id",
		Fields: map[string]schema.Field{
			"name": {Kind: schema.KindScalar},
		},
	}))

	is.NoErr(reg.Register(schema.EntityType{
		Name:          "Todo",
		IdentityField: "id",
		Fields: map[string]schema.Field{
			"title":     {Kind: schema.KindScalar},
			"createdBy": {Kind: schema.KindRef, Target: "User"},
		},
	}))

	s := store.New()

	q := New(
		schema.QueryDescriptor{Name: "todo", Result: schema.Field{Kind: schema.KindRef, Target: "Todo"}},
		fetch,
		reg,
		s,
	)

	return q, s
}

func fetchReturning(body string) func(context.Context, any) (any, error) {
	return func(ctx context.Context, request any) (any, error) {
		return payload(body), nil
	}
}

func payload(body string) any {
	var value any
	json.Unmarshal([]byte(body), &value)
	return value
}
