package persistence

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/coachpo/pricewatch/internal/domain/schema"
	"github.com/coachpo/pricewatch/internal/domain/statestore"
)

// legacyItem is the unversioned layout: a bare array of watched symbols.
type legacyItem struct {
	Symbol     string  `json:"symbol"`
	Name       string  `json:"name"`
	AlertPrice float64 `json:"alertPrice"`
}

type v1Point struct {
	Time  int64   `json:"time"`
	Price float64 `json:"price"`
}

type v1Item struct {
	ID             string    `json:"id"`
	Symbol         string    `json:"symbol"`
	Name           string    `json:"name"`
	AlertPrice     float64   `json:"alertPrice"`
	Price          float64   `json:"price"`
	Change         float64   `json:"change"`
	ChangePercent  float64   `json:"changePercent"`
	High           float64   `json:"high"`
	Low            float64   `json:"low"`
	Open           float64   `json:"open"`
	PreviousClose  float64   `json:"previousClose"`
	PriceHistory   []v1Point `json:"priceHistory"`
	LastUpdated    int64     `json:"lastUpdated"`
	AlertTriggered bool      `json:"alertTriggered"`
}

type v1State struct {
	Version  int      `json:"version"`
	Stocks   []v1Item `json:"stocks"`
	Settings struct {
		LiveMode *bool `json:"liveMode"`
	} `json:"settings"`
}

// Decode detects the layout version of raw and migrates it. It never fails:
// anything unusable degrades to the default state plus a warning.
func Decode(raw []byte) (statestore.SavedState, []string) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return statestore.Default(), []string{"empty state payload, using defaults"}
	}
	if trimmed[0] == '[' {
		return Migrate(0, trimmed)
	}
	var header struct {
		Version *int `json:"version"`
	}
	if err := json.Unmarshal(trimmed, &header); err != nil {
		return statestore.Default(), []string{fmt.Sprintf("corrupt state payload (%v), using defaults", err)}
	}
	if header.Version == nil {
		return Migrate(0, trimmed)
	}
	return Migrate(*header.Version, trimmed)
}

// Migrate upgrades raw, written at oldVersion, to the current layout.
func Migrate(oldVersion int, raw []byte) (statestore.SavedState, []string) {
	var warnings []string
	var state statestore.SavedState
	switch oldVersion {
	case 0:
		items, err := decodeLegacy(raw)
		if err != nil {
			return statestore.Default(), []string{fmt.Sprintf("unreadable unversioned state (%v), using defaults", err)}
		}
		state = statestore.Default()
		state.WatchedItems = items
		warnings = append(warnings, fmt.Sprintf("migrated unversioned state with %d items", len(items)))
	case 1:
		var v1 v1State
		if err := json.Unmarshal(raw, &v1); err != nil {
			return statestore.Default(), []string{fmt.Sprintf("unreadable v1 state (%v), using defaults", err)}
		}
		state = fromV1(v1)
		warnings = append(warnings, fmt.Sprintf("migrated v1 state with %d items", len(state.WatchedItems)))
	case statestore.CurrentVersion:
		state = statestore.Default()
		if err := json.Unmarshal(raw, &state); err != nil {
			return statestore.Default(), []string{fmt.Sprintf("unreadable v%d state (%v), using defaults", oldVersion, err)}
		}
	default:
		return statestore.Default(), []string{fmt.Sprintf("unsupported state version %d, using defaults", oldVersion)}
	}
	state.Version = statestore.CurrentVersion
	return Sanitize(state, schema.DefaultHistoryCap, &warnings), warnings
}

func decodeLegacy(raw []byte) ([]schema.WatchedItem, error) {
	var legacy []legacyItem
	if err := json.Unmarshal(raw, &legacy); err != nil {
		var wrapped struct {
			Stocks []legacyItem `json:"stocks"`
		}
		if werr := json.Unmarshal(raw, &wrapped); werr != nil || wrapped.Stocks == nil {
			return nil, err
		}
		legacy = wrapped.Stocks
	}
	items := make([]schema.WatchedItem, 0, len(legacy))
	for _, old := range legacy {
		items = append(items, schema.WatchedItem{
			Symbol:         old.Symbol,
			DisplayName:    old.Name,
			AlertThreshold: old.AlertPrice,
			IsLoading:      true,
		})
	}
	return items, nil
}

func fromV1(v1 v1State) statestore.SavedState {
	state := statestore.Default()
	if v1.Settings.LiveMode != nil {
		state.Settings.LiveMode = *v1.Settings.LiveMode
	}
	state.WatchedItems = make([]schema.WatchedItem, 0, len(v1.Stocks))
	for _, old := range v1.Stocks {
		item := schema.WatchedItem{
			ID:             old.ID,
			Symbol:         old.Symbol,
			DisplayName:    old.Name,
			AlertThreshold: old.AlertPrice,
			CurrentPrice:   old.Price,
			Change:         old.Change,
			PercentChange:  old.ChangePercent,
			High:           old.High,
			Low:            old.Low,
			Open:           old.Open,
			PreviousClose:  old.PreviousClose,
			AlertTriggered: old.AlertTriggered && old.AlertPrice > 0,
			IsLoading:      old.Price <= 0,
		}
		if old.LastUpdated > 0 {
			item.LastUpdated = time.UnixMilli(old.LastUpdated).UTC()
		}
		for _, p := range old.PriceHistory {
			item.PriceHistory = append(item.PriceHistory, schema.PricePoint{
				Timestamp: time.UnixMilli(p.Time).UTC(),
				Price:     p.Price,
			})
		}
		state.WatchedItems = append(state.WatchedItems, item)
	}
	return state
}

// Sanitize enforces watchlist invariants on restored data: unique non-blank
// symbols (first occurrence wins), stable IDs, positive thresholds, ordered and
// capped history.
func Sanitize(state statestore.SavedState, historyCap int, warnings *[]string) statestore.SavedState {
	if historyCap <= 0 {
		historyCap = schema.DefaultHistoryCap
	}
	warn := func(format string, args ...any) {
		if warnings != nil {
			*warnings = append(*warnings, fmt.Sprintf(format, args...))
		}
	}
	seen := make(map[string]struct{}, len(state.WatchedItems))
	items := make([]schema.WatchedItem, 0, len(state.WatchedItems))
	for _, item := range state.WatchedItems {
		item.Symbol = schema.NormalizeSymbol(item.Symbol)
		if err := schema.ValidateSymbol(item.Symbol); err != nil {
			warn("dropped item with invalid symbol %q", item.Symbol)
			continue
		}
		if _, dup := seen[item.Symbol]; dup {
			warn("dropped duplicate symbol %s", item.Symbol)
			continue
		}
		seen[item.Symbol] = struct{}{}
		if strings.TrimSpace(item.ID) == "" {
			item.ID = uuid.NewString()
		}
		if strings.TrimSpace(item.DisplayName) == "" {
			item.DisplayName = item.Symbol
		}
		if item.AlertThreshold < 0 {
			item.AlertThreshold = 0
		}
		if !item.HasThreshold() {
			item.AlertTriggered = false
			item.AlertTriggeredAt = nil
		}
		if item.CurrentPrice <= 0 {
			item.IsLoading = true
		}
		if len(item.PriceHistory) > 1 && !sort.SliceIsSorted(item.PriceHistory, func(i, j int) bool {
			return item.PriceHistory[i].Timestamp.Before(item.PriceHistory[j].Timestamp)
		}) {
			sort.SliceStable(item.PriceHistory, func(i, j int) bool {
				return item.PriceHistory[i].Timestamp.Before(item.PriceHistory[j].Timestamp)
			})
		}
		if len(item.PriceHistory) > historyCap {
			item.PriceHistory = append([]schema.PricePoint(nil), item.PriceHistory[len(item.PriceHistory)-historyCap:]...)
		}
		items = append(items, item)
	}
	state.WatchedItems = items
	if state.Settings.PollInterval < 0 {
		state.Settings.PollInterval = 0
	}
	return state
}
