// Package statestore defines the persistence contract for the watchlist and user settings.
package statestore

import (
	"context"

	"github.com/coachpo/pricewatch/internal/domain/schema"
)

// CurrentVersion is the schema version written by Save.
const CurrentVersion = 2

// SavedState is the durable view of the engine.
type SavedState struct {
	Version      int                  `json:"version"`
	WatchedItems []schema.WatchedItem `json:"watchedItems"`
	Settings     schema.Settings      `json:"settings"`
}

// Default returns the state used when nothing usable is stored.
func Default() SavedState {
	return SavedState{
		Version:      CurrentVersion,
		WatchedItems: []schema.WatchedItem{},
		Settings:     schema.DefaultSettings(),
	}
}

// Store loads and saves the engine state.
type Store interface {
	Load(ctx context.Context) (SavedState, error)
	Save(ctx context.Context, state SavedState) error
}
