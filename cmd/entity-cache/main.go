package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/diwise/entity-cache/internal/pkg/infrastructure/router"
	"github.com/diwise/entity-cache/internal/pkg/presentation/api"
	"github.com/diwise/entity-cache/pkg/entitygraph"
	"github.com/diwise/entity-cache/pkg/entitygraph/endpoint"
	"github.com/diwise/entity-cache/pkg/entitygraph/schema"
	"github.com/diwise/service-chassis/pkg/infrastructure/buildinfo"
	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
)

const (
	appName string = "entity-cache"
)

// permissive default used when no policy file is configured
const defaultAuthzPolicy string = `package example.authz

default allow := true
`

func main() {
	appVersion := buildinfo.SourceVersion()

	ctx, log, cleanup := o11y.Init(context.Background(), appName, appVersion, "json")
	defer cleanup()

	configPath := env.GetVariableOrDefault(ctx, "CONFIG_PATH", "/opt/diwise/config/entity-cache.yaml")

	configFile, err := os.Open(configPath)
	if err != nil {
		log.Error("failed to open configuration file", "path", configPath, "err", err.Error())
		os.Exit(1)
	}
	defer configFile.Close()

	cfg, err := schema.LoadConfiguration(configFile)
	if err != nil {
		log.Error("failed to load configuration", "err", err.Error())
		os.Exit(1)
	}

	app, err := initialize(ctx, cfg)
	if err != nil {
		log.Error("failed to initialize cache", "err", err.Error())
		os.Exit(1)
	}

	if err := app.Start(ctx); err != nil {
		log.Error("failed to start cache", "err", err.Error())
		os.Exit(1)
	}
	defer app.Stop()

	r := router.New(appName)

	policies, err := authzPolicies(ctx)
	if err != nil {
		log.Error("failed to load authz policies", "err", err.Error())
		os.Exit(1)
	}

	if err := api.RegisterHandlers(ctx, r, policies, app); err != nil {
		log.Error("failed to register handlers", "err", err.Error())
		os.Exit(1)
	}

	port := env.GetVariableOrDefault(ctx, "SERVICE_PORT", "8080")

	log.Info("starting to listen for connections", "port", port)

	err = http.ListenAndServe(":"+port, r)
	if err != nil {
		log.Error("failed to listen for connections", "err", err.Error())
		os.Exit(1)
	}
}

func initialize(ctx context.Context, cfg *schema.Config) (*entitygraph.Cache, error) {
	registry := schema.NewRegistry()

	if err := cfg.Apply(registry); err != nil {
		return nil, err
	}

	grace, err := durationFromEnv(ctx, "ENTITY_GRACE_PERIOD", 30*time.Second)
	if err != nil {
		return nil, err
	}

	interval, err := durationFromEnv(ctx, "COLLECTION_INTERVAL", time.Minute)
	if err != nil {
		return nil, err
	}

	app := entitygraph.New(ctx,
		entitygraph.WithRegistry(registry),
		entitygraph.WithGracePeriod(grace),
		entitygraph.WithCollectionInterval(interval),
	)

	debug := env.GetVariableOrDefault(ctx, "ENDPOINT_DEBUG", "false")

	for _, qc := range cfg.Queries {
		if qc.Endpoint == "" {
			return nil, fmt.Errorf("query %s has no endpoint configured", qc.Name)
		}

		_, err := app.DeclareQuery(qc.Name, endpoint.NewHTTPEndpoint(qc.Endpoint, endpoint.Debug(debug)))
		if err != nil {
			return nil, err
		}
	}

	return app, nil
}

func authzPolicies(ctx context.Context) (*strings.Reader, error) {
	policyPath := env.GetVariableOrDefault(ctx, "OPA_POLICY_PATH", "")
	if policyPath == "" {
		return strings.NewReader(defaultAuthzPolicy), nil
	}

	contents, err := os.ReadFile(policyPath)
	if err != nil {
		return nil, err
	}

	return strings.NewReader(string(contents)), nil
}

func durationFromEnv(ctx context.Context, name string, defaultValue time.Duration) (time.Duration, error) {
	value := env.GetVariableOrDefault(ctx, name, defaultValue.String())

	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration in %s: %w", name, err)
	}

	return d, nil
}
