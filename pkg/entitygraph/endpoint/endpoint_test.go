package endpoint

import (
	"context"
	"errors"
	"net/http"
	"testing"

	graphErrors "github.com/diwise/entity-cache/pkg/entitygraph/errors"
	testutils "github.com/diwise/service-chassis/pkg/test/http"
	"github.com/diwise/service-chassis/pkg/test/http/expects"
	"github.com/diwise/service-chassis/pkg/test/http/response"
	"github.com/matryer/is"
)

var Expects = testutils.Expects
var Returns = testutils.Returns

var method = expects.RequestMethod
var bodyContaining = expects.RequestBodyContaining

func TestNilRequestIsSentAsGET(t *testing.T) {
	is := is.New(t)

	s := testutils.NewMockServiceThat(
		Expects(
			is,
			method(http.MethodGet),
		),
		Returns(
			response.ContentType("application/json"),
			response.Code(http.StatusOK),
			response.Body([]byte(`{"id":"1", "title":"Buy milk"}`)),
		),
	)
	defer s.Close()

	fetch := NewHTTPEndpoint(s.URL())

	payload, err := fetch(context.Background(), nil)
	is.NoErr(err)

	object, ok := payload.(map[string]any)
	is.True(ok)
	is.Equal(object["title"], "Buy milk")

	is.Equal(s.RequestCount(), 1)
}

func TestRequestIsPostedAsJSON(t *testing.T) {
	is := is.New(t)

	s := testutils.NewMockServiceThat(
		Expects(
			is,
			method(http.MethodPost),
			bodyContaining("\"limit\":10"),
		),
		Returns(
			response.ContentType("application/json"),
			response.Code(http.StatusOK),
			response.Body([]byte(`[]`)),
		),
	)
	defer s.Close()

	fetch := NewHTTPEndpoint(s.URL())

	_, err := fetch(context.Background(), map[string]any{"limit": 10})
	is.NoErr(err)

	is.Equal(s.RequestCount(), 1)
}

func TestServerErrorFailsWithEndpointFailure(t *testing.T) {
	is := is.New(t)

	s := testutils.NewMockServiceThat(
		Expects(
			is,
			method(http.MethodGet),
		),
		Returns(
			response.Code(http.StatusInternalServerError),
		),
	)
	defer s.Close()

	fetch := NewHTTPEndpoint(s.URL())

	_, err := fetch(context.Background(), nil)

	is.True(errors.Is(err, graphErrors.ErrEndpointFailure)) // should have returned an endpoint failure
}

func TestNonJSONPayloadFailsWithEndpointFailure(t *testing.T) {
	is := is.New(t)

	s := testutils.NewMockServiceThat(
		Expects(
			is,
			method(http.MethodGet),
		),
		Returns(
			response.ContentType("text/plain"),
			response.Code(http.StatusOK),
			response.Body([]byte("this is not json")),
		),
	)
	defer s.Close()

	fetch := NewHTTPEndpoint(s.URL())

	_, err := fetch(context.Background(), nil)

	is.True(errors.Is(err, graphErrors.ErrEndpointFailure)) // should have returned an endpoint failure
}
