// Package state persists the IMAP mailbox cursor of each polled client.
package state

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hickar/mailpost/internal/app/config"
	"github.com/hickar/mailpost/internal/pkg/kvstore"
)

// ClientState is how far a mailbox has been processed. LastUIDNext is the
// first UID not yet handled; LastUIDValidity invalidates it when the server
// renumbers the mailbox.
type ClientState struct {
	LastUIDNext     uint32 `json:"last_uid_next"`
	LastUIDValidity uint32 `json:"last_uid_validity"`
}

type Store interface {
	Get(ctx context.Context, login string) (ClientState, bool, error)
	Set(ctx context.Context, login string, state ClientState) error
	Close() error
}

// New builds the store selected by cfg.Backend.
func New(ctx context.Context, cfg config.StateConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryStore(), nil
	case "redis":
		store, err := NewRedisStore(ctx, cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported state backend: %s", cfg.Backend)
	}
}

type MemoryStore struct {
	data *kvstore.KVStore[string, ClientState]
}

// NewMemoryStore returns a store that forgets everything on restart.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: kvstore.New[string, ClientState]()}
}

func (s *MemoryStore) Get(_ context.Context, login string) (ClientState, bool, error) {
	st, ok := s.data.Get(login)
	return st, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, login string, state ClientState) error {
	s.data.Set(login, state)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
