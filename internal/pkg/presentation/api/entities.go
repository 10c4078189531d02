package api

import (
	"fmt"
	"net/http"

	"github.com/diwise/entity-cache/internal/pkg/presentation/api/auth"
	"github.com/diwise/entity-cache/pkg/entitygraph"
	graphErrors "github.com/diwise/entity-cache/pkg/entitygraph/errors"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
)

var entitiesTracer = otel.Tracer("entity-cache/api/entities")

// NewRetrieveEntityTypesHandler enumerates entity types with cached
// records, for diagnostics and devtools.
func NewRetrieveEntityTypesHandler(app *entitygraph.Cache, authenticator auth.Enticator) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx := r.Context()

		ctx, span := entitiesTracer.Start(ctx, "retrieve-entity-types")
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

		writeJSON(w, http.StatusOK, struct {
			Types []string `json:"types"`
		}{Types: app.TypeNames()})
	})
}

// NewRetrieveEntitiesOfTypeHandler enumerates the identities currently
// cached for one entity type.
func NewRetrieveEntitiesOfTypeHandler(app *entitygraph.Cache, authenticator auth.Enticator) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx := r.Context()

		ctx, span := entitiesTracer.Start(ctx, "retrieve-entities-of-type")
		defer func() {
			if err != nil {
				span.RecordError(err)
			}
			span.End()
		}()

		entityType := chi.URLParam(r, "entityType")

		if err = authenticator.CheckAccess(ctx, r, entityType); err != nil {
			graphErrors.ReportUnauthorizedRequest(w, "unauthorized", traceID(ctx))
			return
		}

		if _, err = app.Registry().Lookup(entityType); err != nil {
			graphErrors.ReportNotFoundError(w,
				fmt.Sprintf("entity type %s is not registered", entityType), traceID(ctx),
			)
			return
		}

		writeJSON(w, http.StatusOK, struct {
			Type       string   `json:"type"`
			Identities []string `json:"identities"`
		}{
			Type:       entityType,
			Identities: app.IdentitiesOfType(entityType),
		})
	})
}

// NewRetrieveEntityHandler returns the current attributes of one cached
// entity. Reference attributes are serialized as markers, so clients can
// follow them with further lookups.
func NewRetrieveEntityHandler(app *entitygraph.Cache, authenticator auth.Enticator) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx := r.Context()

		ctx, span := entitiesTracer.Start(ctx, "retrieve-entity")
		defer func() {
			if err != nil {
				span.RecordError(err)
			}
			span.End()
		}()

		entityType := chi.URLParam(r, "entityType")
		entityID := chi.URLParam(r, "entityID")

		if err = authenticator.CheckAccess(ctx, r, entityType); err != nil {
			graphErrors.ReportUnauthorizedRequest(w, "unauthorized", traceID(ctx))
			return
		}

		record, err := app.Store().Get(entityType, entityID)
		if err != nil {
			graphErrors.ReportNotFoundError(w,
				fmt.Sprintf("no cached entity %s with identity %s", entityType, entityID), traceID(ctx),
			)
			return
		}

		writeJSON(w, http.StatusOK, record)
	})
}
