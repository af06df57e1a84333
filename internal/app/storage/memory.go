package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/hickar/mailpost/internal/pkg/kvstore"
)

// Object is a stored blob.
type Object struct {
	Data        []byte
	ContentType string
}

type MemoryStore struct {
	objects     *kvstore.KVStore[string, Object]
	conditional bool
}

// NewMemoryStore creates an in-process store, used for dry runs and tests.
// Contents are lost on exit.
func NewMemoryStore(conditional bool) *MemoryStore {
	return &MemoryStore{
		objects:     kvstore.New[string, Object](),
		conditional: conditional,
	}
}

func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	return s.objects.Has(key), nil
}

func (s *MemoryStore) Put(_ context.Context, key string, body io.Reader, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	obj := Object{Data: data, ContentType: contentType}
	if !s.conditional {
		s.objects.Set(key, obj)
		return nil
	}

	if !s.objects.SetIfAbsent(key, obj) {
		return fmt.Errorf("%w: %s", ErrObjectExists, key)
	}
	return nil
}

// Get returns a stored object.
func (s *MemoryStore) Get(key string) (Object, bool) {
	return s.objects.Get(key)
}

func (s *MemoryStore) Close() error {
	return nil
}
