package memory

import (
	"context"
	"testing"

	"github.com/JakeFAU/fx-rate-archiver/internal/storage"
	"github.com/stretchr/testify/require"
)

func TestBlobStorePutCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	if err := store.Put(context.Background(), "USD/2024.csv", payload); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	payload[0] = 'C'
	stored := string(store.data["USD/2024.csv"])
	if stored != "content" {
		t.Fatalf("expected stored copy to be immutable, got %q", stored)
	}

	got, err := store.Get(context.Background(), "USD/2024.csv")
	require.NoError(t, err)
	got[0] = 'X'
	require.Equal(t, "content", string(store.data["USD/2024.csv"]))
}

func TestBlobStoreGetMissingAndList(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewBlobStore()
	_, err := store.Get(ctx, "nope")
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, store.Put(ctx, "USD/2024.csv", nil))
	require.NoError(t, store.Put(ctx, "USD/2023.csv", nil))
	require.NoError(t, store.Put(ctx, "EUR/2024.csv", nil))
	require.Error(t, store.Put(ctx, " ", nil))

	paths, err := store.List(ctx, "USD/")
	require.NoError(t, err)
	require.Equal(t, []string{"USD/2023.csv", "USD/2024.csv"}, paths)
}
