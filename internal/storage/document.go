package storage

import (
	"encoding/json"
	"fmt"
	"maps"
	"reflect"

	"github.com/google/uuid"
)

// IDField is the key every stored document is identified by.
const IDField = "id"

// Normalize round-trips v through JSON so that documents written by Go
// callers and by code bodies compare the same way.
func Normalize(v map[string]any) (map[string]any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding document: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decoding document: %w", err)
	}
	return out, nil
}

// NewDocument normalizes record and assigns an id when it has none.
func NewDocument(record map[string]any) (map[string]any, error) {
	doc, err := Normalize(record)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		doc = make(map[string]any)
	}
	switch id := doc[IDField].(type) {
	case string:
		if id == "" {
			doc[IDField] = uuid.NewString()
		}
	case nil:
		doc[IDField] = uuid.NewString()
	default:
		doc[IDField] = fmt.Sprint(id)
	}
	return doc, nil
}

// DocumentID returns the id of a stored document.
func DocumentID(doc map[string]any) string {
	id, _ := doc[IDField].(string)
	return id
}

// Matches reports whether doc has every field in filter with an equal value.
// A nil or empty filter matches everything. filter must be normalized.
func Matches(doc, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := doc[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

// Apply returns doc with changes applied. The id never changes.
func Apply(doc, changes map[string]any) map[string]any {
	out := maps.Clone(doc)
	for k, v := range changes {
		if k == IDField {
			continue
		}
		out[k] = v
	}
	return out
}
