package storage

import (
	"reflect"
	"testing"
)

func TestNewDocument(t *testing.T) {
	doc, err := NewDocument(map[string]any{"n": 1})
	if err != nil {
		t.Fatal(err)
	}
	if DocumentID(doc) == "" || doc["n"] != float64(1) {
		t.Errorf("doc = %v", doc)
	}

	doc, _ = NewDocument(map[string]any{"id": 42})
	if doc["id"] != "42" {
		t.Errorf("numeric id = %#v, want string", doc["id"])
	}

	doc, _ = NewDocument(nil)
	if DocumentID(doc) == "" {
		t.Error("nil record must still get an id")
	}
}

func TestMatches(t *testing.T) {
	doc := map[string]any{"id": "1", "tags": []any{"a"}, "n": float64(2)}
	tests := []struct {
		filter map[string]any
		want   bool
	}{
		{nil, true},
		{map[string]any{}, true},
		{map[string]any{"n": float64(2)}, true},
		{map[string]any{"n": float64(3)}, false},
		{map[string]any{"tags": []any{"a"}}, true},
		{map[string]any{"missing": nil}, false},
	}
	for _, tt := range tests {
		if got := Matches(doc, tt.filter); got != tt.want {
			t.Errorf("Matches(%v) = %v, want %v", tt.filter, got, tt.want)
		}
	}
}

func TestApply_KeepsID(t *testing.T) {
	doc := map[string]any{"id": "1", "a": 1}
	out := Apply(doc, map[string]any{"id": "2", "a": 2, "b": 3})
	if !reflect.DeepEqual(out, map[string]any{"id": "1", "a": 2, "b": 3}) {
		t.Errorf("Apply = %#v", out)
	}
	if doc["a"] != 1 {
		t.Error("Apply mutated its input")
	}
}
