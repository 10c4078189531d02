package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/diwise/entity-cache/internal/pkg/presentation/api/auth"
	"github.com/diwise/entity-cache/pkg/entitygraph"
	graphErrors "github.com/diwise/entity-cache/pkg/entitygraph/errors"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("entity-cache/api/queries")

// NewRunQueryHandler handles POST requests that run a declared query with
// a JSON request body. Endpoint and normalization failures surface in the
// returned snapshot as the query's error state, not as transport errors;
// one bad fetch must never take the API down with it.
func NewRunQueryHandler(app *entitygraph.Cache, authenticator auth.Enticator) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx := r.Context()

		ctx, span := tracer.Start(ctx, "run-query")
		defer func() {
			if err != nil {
				span.RecordError(err)
			}
			span.End()
		}()

		queryName := chi.URLParam(r, "queryName")

		if err = authenticator.CheckAccess(ctx, r, queryName); err != nil {
			graphErrors.ReportUnauthorizedRequest(w, "unauthorized", traceID(ctx))
			return
		}

		q, err := app.Query(queryName)
		if err != nil {
			graphErrors.ReportNotFoundError(w,
				fmt.Sprintf("no query named %s is declared", queryName), traceID(ctx),
			)
			return
		}

		// chunked transfers carry no content length, so an empty body is
		// detected by the decoder instead
		var request any
		if derr := json.NewDecoder(r.Body).Decode(&request); derr != nil && derr != io.EOF {
			err = derr
			graphErrors.ReportNewBadRequestData(w,
				fmt.Sprintf("unable to decode request payload: %s", derr.Error()), traceID(ctx),
			)
			return
		}

		snapshot, _ := q.Run(ctx, request)

		writeJSON(w, http.StatusOK, snapshot)
	})
}

// NewQuerySnapshotHandler handles GET requests for a query's current
// status, result and error. Observing an invalidated query triggers a
// background refetch while the stale result keeps being served.
func NewQuerySnapshotHandler(app *entitygraph.Cache, authenticator auth.Enticator) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx := r.Context()

		ctx, span := tracer.Start(ctx, "query-snapshot")
		defer func() {
			if err != nil {
				span.RecordError(err)
			}
			span.End()
		}()

		queryName := chi.URLParam(r, "queryName")

		if err = authenticator.CheckAccess(ctx, r, queryName); err != nil {
			graphErrors.ReportUnauthorizedRequest(w, "unauthorized", traceID(ctx))
			return
		}

		q, err := app.Query(queryName)
		if err != nil {
			graphErrors.ReportNotFoundError(w,
				fmt.Sprintf("no query named %s is declared", queryName), traceID(ctx),
			)
			return
		}

		if q.Invalidated() {
			go q.Refresh(context.WithoutCancel(ctx))
		}

		writeJSON(w, http.StatusOK, q.Snapshot())
	})
}

// NewInvalidateQueryHandler marks a query for refetch on next observation
// without clearing the currently served result.
func NewInvalidateQueryHandler(app *entitygraph.Cache, authenticator auth.Enticator) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx := r.Context()

		ctx, span := tracer.Start(ctx, "invalidate-query")
		defer func() {
			if err != nil {
				span.RecordError(err)
			}
			span.End()
		}()

		queryName := chi.URLParam(r, "queryName")

		if err = authenticator.CheckAccess(ctx, r, queryName); err != nil {
			graphErrors.ReportUnauthorizedRequest(w, "unauthorized", traceID(ctx))
			return
		}

		q, err := app.Query(queryName)
		if err != nil {
			graphErrors.ReportNotFoundError(w,
				fmt.Sprintf("no query named %s is declared", queryName), traceID(ctx),
			)
			return
		}

		q.Invalidate()

		w.WriteHeader(http.StatusNoContent)
	})
}

// NewCollectHandler triggers an on-demand garbage collection cycle.
func NewCollectHandler(app *entitygraph.Cache, authenticator auth.Enticator) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx := r.Context()

		ctx, span := tracer.Start(ctx, "collect")
		defer func() {
			if err != nil {
				span.RecordError(err)
			}
			span.End()
		}()

		if err = authenticator.CheckAccess(ctx, r, ""); err != nil {
			graphErrors.ReportUnauthorizedRequest(w, "unauthorized", traceID(ctx))
			return
		}

		evicted := app.Collect(ctx)

		writeJSON(w, http.StatusOK, struct {
			Evicted int `json:"evicted"`
		}{Evicted: evicted})
	})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	bytes, err := json.Marshal(body)
	if err != nil {
		graphErrors.ReportNewInternalError(w, err.Error(), "")
		return
	}

	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(bytes)
}
