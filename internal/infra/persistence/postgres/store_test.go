package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewStoreAllowsNilPool(t *testing.T) {
	store := New(nil)
	require.NotNil(t, store)
	require.Nil(t, store.Pool())
}

func TestNilPoolOperationsFail(t *testing.T) {
	store := New(nil)
	ctx := context.Background()

	_, err := store.Get(ctx, "pricewatch/state")
	require.Error(t, err)
	require.Error(t, store.Put(ctx, "pricewatch/state", []byte(`{}`)))
	store.Close()
}

func TestOpenRequiresDSN(t *testing.T) {
	_, err := Open(context.Background(), "  ")
	require.Error(t, err)
}

func TestOpenConfigRejectsMalformedDSN(t *testing.T) {
	_, err := OpenConfig(context.Background(), Config{DSN: "postgres://%zz"})
	require.Error(t, err)
}

func TestObservePoolMetricsIgnoresNilPool(t *testing.T) {
	require.NotPanics(t, func() { ObservePoolMetrics(nil, "") })
}
