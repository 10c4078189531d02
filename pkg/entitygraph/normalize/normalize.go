package normalize

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/diwise/entity-cache/pkg/entitygraph/errors"
	"github.com/diwise/entity-cache/pkg/entitygraph/schema"
	"github.com/diwise/entity-cache/pkg/entitygraph/store"
)

// Normalize walks a raw payload against a declared field kind, extracts
// every identifiable entity into flat records and rewrites each nested
// occurrence as a Ref. It is a pure transformation: no I/O, no shared
// state, and nothing is written to any store.
//
// An error means the payload must not enter the store at all: the caller
// gets no partial batch.
func Normalize(reg *schema.Registry, field schema.Field, payload any) (any, []store.Record, error) {
	b := &batch{index: map[store.Ref]int{}}

	normalized, err := normalizeValue(reg, field, payload, b)
	if err != nil {
		return nil, nil, err
	}

	return normalized, b.records, nil
}

// batch accumulates extracted records in first-seen order. A payload that
// mentions the same identity twice within one pass is merged before
// insertion, last seen wins per field, so one normalization never emits
// two conflicting records for a single identity.
type batch struct {
	records []store.Record
	index   map[store.Ref]int
}

func (b *batch) add(r store.Record) {
	idx, ok := b.index[r.Ref()]
	if !ok {
		b.index[r.Ref()] = len(b.records)
		b.records = append(b.records, r)
		return
	}

	for k, v := range r.Attributes {
		b.records[idx].Attributes[k] = v
	}
}

func normalizeValue(reg *schema.Registry, field schema.Field, payload any, b *batch) (any, error) {
	switch field.Kind {
	case schema.KindScalar, "":
		return payload, nil
	case schema.KindRef:
		return normalizeEntity(reg, field.Target, payload, b)
	case schema.KindRefList:
		return normalizeEntityList(reg, field.Target, payload, b)
	default:
		return nil, fmt.Errorf("unsupported field kind \"%s\"", field.Kind)
	}
}

func normalizeEntity(reg *schema.Registry, target string, payload any, b *batch) (any, error) {
	if payload == nil {
		return nil, nil
	}

	t, err := reg.Lookup(target)
	if err != nil {
		return nil, err
	}

	object, ok := payload.(map[string]any)
	if !ok {
		return nil, errors.NewMissingIdentityError(
			fmt.Sprintf("expected an object of type %s, got %T", target, payload),
		)
	}

	entityID, err := identityOf(t, object)
	if err != nil {
		return nil, err
	}

	attributes := make(map[string]any, len(object))

	for name, value := range object {
		normalized, err := normalizeValue(reg, t.Fields[name], value, b)
		if err != nil {
			return nil, err
		}
		attributes[name] = normalized
	}

	b.add(store.Record{Type: target, ID: entityID, Attributes: attributes})

	return store.NewRef(target, entityID), nil
}

func normalizeEntityList(reg *schema.Registry, target string, payload any, b *batch) (any, error) {
	if payload == nil {
		return []store.Ref{}, nil
	}

	elements, ok := payload.([]any)
	if !ok {
		return nil, errors.NewMissingIdentityError(
			fmt.Sprintf("expected a collection of %s, got %T", target, payload),
		)
	}

	refs := make([]store.Ref, 0, len(elements))

	for _, element := range elements {
		normalized, err := normalizeEntity(reg, target, element, b)
		if err != nil {
			return nil, err
		}

		ref, ok := normalized.(store.Ref)
		if !ok {
			return nil, errors.NewMissingIdentityError(
				fmt.Sprintf("collection of %s contains a null element", target),
			)
		}

		refs = append(refs, ref)
	}

	return refs, nil
}

func identityOf(t schema.EntityType, object map[string]any) (string, error) {
	value, ok := object[t.IdentityField]
	if !ok {
		return "", errors.NewMissingIdentityError(
			fmt.Sprintf("payload of type %s lacks its identity field %s", t.Name, t.IdentityField),
		)
	}

	switch id := value.(type) {
	case string:
		if id == "" {
			return "", errors.NewMissingIdentityError(
				fmt.Sprintf("payload of type %s has an empty identity", t.Name),
			)
		}
		return id, nil
	case json.Number:
		return id.String(), nil
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(id), nil
	case int64:
		return strconv.FormatInt(id, 10), nil
	default:
		return "", errors.NewMissingIdentityError(
			fmt.Sprintf("identity field %s of type %s holds a non scalar value", t.IdentityField, t.Name),
		)
	}
}
