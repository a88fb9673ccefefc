package idempotency

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPostgresStoreLifecycle(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := NewPostgresStore(ctx, dsn)
	require.NoError(t, err)
	defer store.Close()

	key := "test-key-" + time.Now().Format("150405.000000")
	rec := Record{
		Fingerprint: Fingerprint([]byte("payload")),
		StatusCode:  201,
		Response:    []byte("payload"),
		CreatedAt:   time.Now().UTC(),
		ExpiresAt:   time.Now().Add(time.Minute).UTC(),
	}
	require.NoError(t, store.Save(ctx, key, rec))

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, rec.StatusCode, got.StatusCode)
	require.Equal(t, rec.Fingerprint, got.Fingerprint)
	require.NoError(t, store.Ping(ctx))

	testReservation(t, store)
	testReservationRace(t, store)
}

func TestMongoStoreLifecycle(t *testing.T) {
	uri := os.Getenv("MONGO_TEST_URI")
	if uri == "" {
		t.Skip("MONGO_TEST_URI not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := NewMongoStore(ctx, MongoOpts{URI: uri, Database: "escrow_test"})
	require.NoError(t, err)
	defer store.Close(context.Background())

	key := "test-key-" + time.Now().Format("150405.000000")
	rec := Record{
		Fingerprint: "fp",
		StatusCode:  201,
		Response:    []byte(`{"id":"1"}`),
		CreatedAt:   time.Now().UTC(),
		ExpiresAt:   time.Now().Add(time.Minute).UTC(),
	}
	require.NoError(t, store.Save(ctx, key, rec))

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, rec.Response, got.Response)

	missing, err := store.Get(ctx, "absent-"+key)
	require.NoError(t, err)
	require.Nil(t, missing)

	testReservation(t, store)
	testReservationRace(t, store)
}
