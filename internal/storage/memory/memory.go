// Package memory implements storage.Store in process memory. Data is lost
// on restart; it is the zero-config default and the backend for `hookd run`.
package memory

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/jkaninda/hookd/internal/sandbox"
	"github.com/jkaninda/hookd/internal/storage"
)

// Store keeps every collection in a map guarded by one lock.
type Store struct {
	mu          sync.RWMutex
	collections map[string][]map[string]any
}

var _ storage.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{collections: make(map[string][]map[string]any)}
}

// Seed adds documents to a collection, assigning ids where missing.
func (s *Store) Seed(collection string, docs ...map[string]any) error {
	repo := s.Repository(collection)
	for _, d := range docs {
		if _, err := repo.Create(context.Background(), d); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Repository(name string) sandbox.Repository {
	return &repository{store: s, name: name}
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func (s *Store) Driver() string { return storage.DriverMemory }

type repository struct {
	store *Store
	name  string
}

func (r *repository) Find(_ context.Context, filter map[string]any) ([]map[string]any, error) {
	filter, err := storage.Normalize(filter)
	if err != nil {
		return nil, err
	}
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	out := []map[string]any{}
	for _, doc := range r.store.collections[r.name] {
		if storage.Matches(doc, filter) {
			out = append(out, maps.Clone(doc))
		}
	}
	return out, nil
}

func (r *repository) Create(_ context.Context, record map[string]any) (map[string]any, error) {
	doc, err := storage.NewDocument(record)
	if err != nil {
		return nil, err
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	id := storage.DocumentID(doc)
	for _, existing := range r.store.collections[r.name] {
		if storage.DocumentID(existing) == id {
			return nil, sandbox.NewScriptError(409, fmt.Sprintf("document %q already exists", id))
		}
	}
	r.store.collections[r.name] = append(r.store.collections[r.name], doc)
	return maps.Clone(doc), nil
}

func (r *repository) Update(_ context.Context, filter, changes map[string]any) (int64, error) {
	filter, err := storage.Normalize(filter)
	if err != nil {
		return 0, err
	}
	changes, err = storage.Normalize(changes)
	if err != nil {
		return 0, err
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var n int64
	docs := r.store.collections[r.name]
	for i, doc := range docs {
		if storage.Matches(doc, filter) {
			docs[i] = storage.Apply(doc, changes)
			n++
		}
	}
	return n, nil
}

func (r *repository) Delete(_ context.Context, filter map[string]any) (int64, error) {
	filter, err := storage.Normalize(filter)
	if err != nil {
		return 0, err
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	docs := r.store.collections[r.name]
	kept := docs[:0]
	var n int64
	for _, doc := range docs {
		if storage.Matches(doc, filter) {
			n++
			continue
		}
		kept = append(kept, doc)
	}
	r.store.collections[r.name] = kept
	return n, nil
}
