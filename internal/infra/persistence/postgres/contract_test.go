package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/coachpo/pricewatch/internal/domain/schema"
	"github.com/coachpo/pricewatch/internal/domain/statestore"
	"github.com/coachpo/pricewatch/internal/infra/persistence"
	"github.com/coachpo/pricewatch/internal/infra/persistence/migrations"
	pgstore "github.com/coachpo/pricewatch/internal/infra/persistence/postgres"
)

func startPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres contract test skipped in short mode")
	}
	if os.Getenv("PRICEWATCH_SKIP_CONTAINERS") != "" {
		t.Skip("container tests disabled")
	}
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "pricewatch"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)
	return fmt.Sprintf("postgres://postgres:secret@%s:%s/pricewatch?sslmode=disable", host, port.Port())
}

func TestPostgresStateStoreContract(t *testing.T) {
	dsn := startPostgres(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	require.NoError(t, migrations.Apply(ctx, dsn, nil))
	// second run is a no-op
	require.NoError(t, migrations.Apply(ctx, dsn, nil))

	kv, err := pgstore.Open(ctx, dsn)
	require.NoError(t, err)
	defer kv.Close()

	_, err = kv.Get(ctx, persistence.DefaultKey)
	require.True(t, errors.Is(err, persistence.ErrNotFound))

	store := persistence.NewStateStore(kv)
	state, err := store.Load(ctx)
	require.NoError(t, err)
	require.Empty(t, state.WatchedItems)

	state.WatchedItems = []schema.WatchedItem{{
		ID:             "a1",
		Symbol:         "AAPL",
		DisplayName:    "Apple",
		AlertThreshold: 150,
		CurrentPrice:   151,
		AddedAt:        time.Unix(1700000000, 0).UTC(),
	}}
	require.NoError(t, store.Save(ctx, state))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, statestore.CurrentVersion, loaded.Version)
	require.Len(t, loaded.WatchedItems, 1)
	require.Equal(t, "AAPL", loaded.WatchedItems[0].Symbol)
	require.Equal(t, 150.0, loaded.WatchedItems[0].AlertThreshold)
}
