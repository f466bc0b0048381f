// Package persistence adapts key/value backends to the statestore contract.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/pricewatch/errs"
	"github.com/coachpo/pricewatch/internal/domain/schema"
	"github.com/coachpo/pricewatch/internal/domain/statestore"
)

// DefaultKey is the key the engine state is stored under.
const DefaultKey = "pricewatch/state"

// ErrNotFound is returned by KV implementations when the key has never been written.
var ErrNotFound = errors.New("persistence: key not found")

// KV is the minimal durable key/value contract backends satisfy.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
}

// StateStore encodes SavedState into a KV backend, migrating older layouts on load.
type StateStore struct {
	kv         KV
	key        string
	historyCap int
	logger     *log.Logger
}

// Option configures a StateStore.
type Option func(*StateStore)

// WithKey overrides the storage key.
func WithKey(key string) Option {
	return func(s *StateStore) {
		if trimmed := strings.TrimSpace(key); trimmed != "" {
			s.key = trimmed
		}
	}
}

// WithHistoryCap bounds restored price histories.
func WithHistoryCap(limit int) Option {
	return func(s *StateStore) {
		if limit > 0 {
			s.historyCap = limit
		}
	}
}

// WithLogger sets the logger used for migration warnings.
func WithLogger(logger *log.Logger) Option {
	return func(s *StateStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStateStore wraps kv as a statestore.Store.
func NewStateStore(kv KV, opts ...Option) *StateStore {
	store := &StateStore{
		kv:         kv,
		key:        DefaultKey,
		historyCap: schema.DefaultHistoryCap,
		logger:     log.New(os.Stdout, "persistence ", log.LstdFlags|log.Lmicroseconds),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store
}

// Load reads and migrates the stored state. A missing key yields the default
// state; undecodable data yields the default state with a logged warning.
func (s *StateStore) Load(ctx context.Context) (statestore.SavedState, error) {
	if s.kv == nil {
		return statestore.Default(), errs.New("persistence/load", errs.CodeStorage, errs.WithMessage("nil backend"))
	}
	raw, err := s.kv.Get(ctx, s.key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return statestore.Default(), nil
		}
		return statestore.Default(), errs.New("persistence/load", errs.CodeStorage, errs.WithMessage("read state"), errs.WithCause(err))
	}
	state, warnings := Decode(raw)
	state = Sanitize(state, s.historyCap, &warnings)
	for _, warning := range warnings {
		s.logger.Printf("state migration: %s", warning)
	}
	return state, nil
}

// Save writes state at the current schema version.
func (s *StateStore) Save(ctx context.Context, state statestore.SavedState) error {
	if s.kv == nil {
		return errs.New("persistence/save", errs.CodeStorage, errs.WithMessage("nil backend"))
	}
	state.Version = statestore.CurrentVersion
	if state.WatchedItems == nil {
		state.WatchedItems = []schema.WatchedItem{}
	}
	data, err := json.Marshal(state)
	if err != nil {
		return errs.New("persistence/save", errs.CodeStorage, errs.WithMessage("encode state"), errs.WithCause(err))
	}
	if err := s.kv.Put(ctx, s.key, data); err != nil {
		return errs.New("persistence/save", errs.CodeStorage, errs.WithMessage("write state"), errs.WithCause(fmt.Errorf("put %s: %w", s.key, err)))
	}
	return nil
}
