package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/diwise/entity-cache/internal/pkg/presentation/api/auth"
	"github.com/diwise/entity-cache/pkg/entitygraph"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"
)

func RegisterHandlers(ctx context.Context, r chi.Router, policies io.Reader, app *entitygraph.Cache) error {

	authenticator, err := auth.NewAuthenticator(ctx, policies)
	if err != nil {
		return fmt.Errorf("failed to create api authenticator: %w", err)
	}

	logger := logging.GetFromContext(ctx)

	r.Route("/api/v0", func(r chi.Router) {
		r.Use(Logger(logger))

		r.Route("/queries/{queryName}", func(r chi.Router) {
			r.Get("/", NewQuerySnapshotHandler(app, authenticator))
			r.With(RequiredContentTypes([]string{"application/json"})).
				Post("/run", NewRunQueryHandler(app, authenticator))
			r.Post("/invalidate", NewInvalidateQueryHandler(app, authenticator))
		})

		r.Route("/entities", func(r chi.Router) {
			r.Get("/", NewRetrieveEntityTypesHandler(app, authenticator))
			r.Get("/{entityType}", NewRetrieveEntitiesOfTypeHandler(app, authenticator))
			r.Get("/{entityType}/{entityID}", NewRetrieveEntityHandler(app, authenticator))
		})

		r.Post("/collect", NewCollectHandler(app, authenticator))
	})

	return nil
}

func Logger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			_, ctx, _ = o11y.AddTraceIDToLoggerAndStoreInContext(
				trace.SpanFromContext(ctx),
				logger,
				ctx)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func RequiredContentTypes(validTypes []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			contentType := r.Header.Get("Content-Type")

			for _, validType := range validTypes {
				if strings.HasPrefix(contentType, validType) {
					next.ServeHTTP(w, r)
					return
				}
			}

			w.WriteHeader(http.StatusUnsupportedMediaType)
		})
	}
}

func traceID(ctx context.Context) string {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if spanCtx.HasTraceID() {
		return spanCtx.TraceID().String()
	}

	return ""
}
