package normalize

import (
	"encoding/json"
	"errors"
	"testing"

	graphErrors "github.com/diwise/entity-cache/pkg/entitygraph/errors"
	"github.com/diwise/entity-cache/pkg/entitygraph/schema"
	"github.com/diwise/entity-cache/pkg/entitygraph/store"
	"github.com/matryer/is"
)

func TestNormalizeScalarReturnsPayloadUnchanged(t *testing.T) {
	is := is.New(t)

	normalized, records, err := Normalize(testRegistry(t), schema.Field{Kind: schema.KindScalar}, 42.0)

	is.NoErr(err)
	is.Equal(normalized, 42.0)
	is.Equal(len(records), 0)
}

func TestNormalizeExtractsNestedEntities(t *testing.T) {
	is := is.New(t)

	normalized, records, err := Normalize(
		testRegistry(t),
		schema.Field{Kind: schema.KindRef, Target: "Todo"},
		payload(`{"id":"1", "title":"Buy milk", "createdBy":{"id":"9", "name":"Ann"}}`),
	)

	is.NoErr(err)
	is.Equal(normalized, store.NewRef("Todo", "1"))
	is.Equal(len(records), 2)

	byRef := recordsByRef(records)

	todo := byRef[store.NewRef("Todo", "1")]
	is.Equal(todo.Attributes["title"], "Buy milk")
	is.Equal(todo.Attributes["createdBy"], store.NewRef("User", "9")) // nested entity replaced by a marker

	user := byRef[store.NewRef("User", "9")]
	is.Equal(user.Attributes["name"], "Ann")
}

func TestNormalizeListPreservesOrder(t *testing.T) {
	is := is.New(t)

	normalized, records, err := Normalize(
		testRegistry(t),
		schema.Field{Kind: schema.KindRefList, Target: "Todo"},
		payload(`[{"id":"2", "title":"b"}, {"id":"1", "title":"a"}, {"id":"3", "title":"c"}]`),
	)

	is.NoErr(err)
	is.Equal(len(records), 3)

	refs, ok := normalized.([]store.Ref)
	is.True(ok)
	is.Equal(refs, []store.Ref{
		store.NewRef("Todo", "2"),
		store.NewRef("Todo", "1"),
		store.NewRef("Todo", "3"),
	})
}

func TestNormalizeMergesDuplicateIdentitiesWithinOnePass(t *testing.T) {
	is := is.New(t)

	_, records, err := Normalize(
		testRegistry(t),
		schema.Field{Kind: schema.KindRefList, Target: "Todo"},
		payload(`[{"id":"1", "title":"first"}, {"id":"1", "title":"second", "done":true}]`),
	)

	is.NoErr(err)
	is.Equal(len(records), 1) // one record per identity in a single batch

	is.Equal(records[0].Attributes["title"], "second") // last seen wins per field
	is.Equal(records[0].Attributes["done"], true)
}

func TestNormalizeHandlesReferenceCycles(t *testing.T) {
	is := is.New(t)

	reg := schema.NewRegistry()
	is.NoErr(reg.Register(schema.EntityType{
		Name:          "Node",
		IdentityField: "id",
		Fields: map[string]schema.Field{
			"peer": {Kind: schema.KindRef, Target: "Node"},
		},
	}))

	// a references b, and the embedded b references a by identity
	_, records, err := Normalize(
		reg,
		schema.Field{Kind: schema.KindRef, Target: "Node"},
		payload(`{"id":"a", "peer":{"id":"b", "peer":{"id":"a"}}}`),
	)

	is.NoErr(err)
	is.Equal(len(records), 2)

	byRef := recordsByRef(records)
	is.Equal(byRef[store.NewRef("Node", "a")].Attributes["peer"], store.NewRef("Node", "b"))
	is.Equal(byRef[store.NewRef("Node", "b")].Attributes["peer"], store.NewRef("Node", "a"))
}

func TestNormalizeFailsOnMissingIdentity(t *testing.T) {
	is := is.New(t)

	_, records, err := Normalize(
		testRegistry(t),
		schema.Field{Kind: schema.KindRef, Target: "Todo"},
		payload(`{"title":"no id here"}`),
	)

	is.True(errors.Is(err, graphErrors.ErrMissingIdentity)) // should have returned a missing identity error
	is.Equal(len(records), 0)                               // nothing may reach the store
}

func TestNormalizeFailsOnUnknownTargetType(t *testing.T) {
	is := is.New(t)

	_, _, err := Normalize(
		testRegistry(t),
		schema.Field{Kind: schema.KindRef, Target: "Nothing"},
		payload(`{"id":"1"}`),
	)

	is.True(errors.Is(err, graphErrors.ErrUnknownType)) // should have returned an unknown type error
}

func TestNormalizeAcceptsNumericIdentities(t *testing.T) {
	is := is.New(t)

	normalized, _, err := Normalize(
		testRegistry(t),
		schema.Field{Kind: schema.KindRef, Target: "Todo"},
		payload(`{"id":17, "title":"numbered"}`),
	)

	is.NoErr(err)
	is.Equal(normalized, store.NewRef("Todo", "17"))
}

func testRegistry(t *testing.T) *schema.Registry {
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
			"done":      {Kind: schema.KindScalar},
			"createdBy": {Kind: schema.KindRef, Target: "User"},
		},
	}))

	return reg
}

func payload(body string) any {
	var value any
	json.Unmarshal([]byte(body), &value)
	return value
}

func recordsByRef(records []store.Record) map[store.Ref]store.Record {
	byRef := map[store.Ref]store.Record{}
	for _, r := range records {
		byRef[r.Ref()] = r
	}
	return byRef
}
