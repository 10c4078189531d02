package endpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"

	"github.com/diwise/entity-cache/pkg/entitygraph/errors"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
)

// Func fetches a payload for one query request. Implementations fail by
// returning an error, which the owning query surfaces as its Error state.
type Func func(ctx context.Context, request any) (any, error)

var tracer = otel.Tracer("entity-cache/endpoint")

func Debug(enabled string) func(*httpEndpoint) {
	return func(e *httpEndpoint) {
		e.debug = (enabled == "true")
	}
}

func Headers(headers map[string][]string) func(*httpEndpoint) {
	return func(e *httpEndpoint) {
		e.headers = headers
	}
}

type httpEndpoint struct {
	url     string
	debug   bool
	headers map[string][]string
}

// NewHTTPEndpoint returns a Func that fetches payloads from a remote HTTP
// endpoint. A nil request is sent as a GET, anything else is posted as a
// JSON body. The response body is decoded as JSON into plain values.
func NewHTTPEndpoint(endpointURL string, options ...func(*httpEndpoint)) Func {
	e := &httpEndpoint{
		url: endpointURL,
	}

	for _, option := range options {
		option(e)
	}

	return e.fetch
}

func (e *httpEndpoint) fetch(ctx context.Context, request any) (any, error) {
	var err error

	ctx, span := tracer.Start(ctx, "fetch-payload")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	httpClient := http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	method := http.MethodGet
	var body io.Reader

	if request != nil {
		requestBytes, merr := json.Marshal(request)
		if merr != nil {
			err = fmt.Errorf("failed to marshal request: %s (%w)", merr.Error(), errors.ErrEndpointFailure)
			return nil, err
		}

		method = http.MethodPost
		body = bytes.NewBuffer(requestBytes)
	}

	req, rerr := http.NewRequestWithContext(ctx, method, e.url, body)
	if rerr != nil {
		err = fmt.Errorf("failed to create request: %s (%w)", rerr.Error(), errors.ErrInternal)
		return nil, err
	}

	if request != nil {
		req.Header.Add("Content-Type", "application/json")
	}

	for header, headerValue := range e.headers {
		for _, val := range headerValue {
			req.Header.Add(header, val)
		}
	}

	resp, derr := httpClient.Do(req)
	if derr != nil {
		err = fmt.Errorf("failed to send request: %s (%w)", derr.Error(), errors.ErrEndpointFailure)
		return nil, err
	}

	defer resp.Body.Close()
	respBody, berr := io.ReadAll(resp.Body)
	if berr != nil {
		err = fmt.Errorf("failed to read response body: %s (%w)", berr.Error(), errors.ErrEndpointFailure)
		return nil, err
	}

	if e.debug && resp.StatusCode >= http.StatusBadRequest {
		reqbytes, _ := httputil.DumpRequest(req, false)
		respbytes, _ := httputil.DumpResponse(resp, false)

		log := logging.GetFromContext(ctx)
		log.Error("request failed", "request", string(reqbytes), "response", string(respbytes))
	}

	if resp.StatusCode >= http.StatusBadRequest {
		err = errors.NewEndpointFailureError(
			fmt.Sprintf("endpoint %s responded with code %d", e.url, resp.StatusCode),
		)
		return nil, err
	}

	var payload any
	if uerr := json.Unmarshal(respBody, &payload); uerr != nil {
		err = fmt.Errorf("failed to unmarshal payload: %s (%w)", uerr.Error(), errors.ErrEndpointFailure)
		return nil, err
	}

	return payload, nil
}
