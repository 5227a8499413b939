package catalog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/droppoint/internal/model"
	"github.com/mmeshcher/droppoint/internal/realtime"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		item    model.StoreItem
		wantErr bool
	}{
		{name: "finite", item: model.StoreItem{Name: "Mug", Points: 100, Stock: model.CountStock(5)}},
		{name: "unlimited", item: model.StoreItem{Name: "Sticker", Points: 10, Stock: model.UnlimitedStock()}},
		{name: "no name", item: model.StoreItem{Name: " ", Points: 100, Stock: model.CountStock(5)}, wantErr: true},
		{name: "zero points", item: model.StoreItem{Name: "Mug", Points: 0, Stock: model.CountStock(5)}, wantErr: true},
		{name: "zero stock", item: model.StoreItem{Name: "Mug", Points: 10, Stock: model.CountStock(0)}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.item)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidItem)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func startCatalog(t *testing.T, store realtime.Store) *Catalog {
	t.Helper()
	c := New(store, nil, time.Second)
	c.Start()
	t.Cleanup(c.Close)

	select {
	case <-c.Ready():
	case <-time.After(2 * time.Second):
		t.Fatalf("catalog never became ready")
	}
	return c
}

func TestCatalog_AdminLifecycle(t *testing.T) {
	ctx := context.Background()
	store := realtime.NewMemory()
	defer store.Close()

	c := startCatalog(t, store)
	assert.Empty(t, c.Items())
	assert.False(t, c.Loading())

	mugID, err := c.CreateItem(ctx, model.StoreItem{Name: "Mug", Points: 150, Stock: model.CountStock(4), Icon: "☕"})
	require.NoError(t, err)
	bagID, err := c.CreateItem(ctx, model.StoreItem{Name: "Bag", Points: 90, Stock: model.UnlimitedStock(), Icon: "👜"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(c.Items()) == 2 }, time.Second, 5*time.Millisecond)
	items := c.Items()
	assert.Equal(t, mugID, items[0].ID, "items are listed in insertion order")
	assert.Equal(t, bagID, items[1].ID)
	assert.True(t, items[1].Stock.Unlimited)

	require.NoError(t, c.UpdateItem(ctx, mugID, model.StoreItem{Name: "Big mug", Points: 200, Stock: model.CountStock(2), Icon: "☕"}))
	require.NoError(t, c.SetStock(ctx, bagID, model.CountStock(0)))

	require.Eventually(t, func() bool {
		it, ok := c.Item(mugID)
		return ok && it.Name == "Big mug"
	}, time.Second, 5*time.Millisecond)

	bag, err := c.Lookup(ctx, bagID)
	require.NoError(t, err)
	assert.True(t, bag.Stock.Exhausted())

	require.NoError(t, c.DeleteItem(ctx, mugID))
	require.Eventually(t, func() bool { return len(c.Items()) == 1 }, time.Second, 5*time.Millisecond)

	_, err = c.Lookup(ctx, mugID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCatalog_RejectsInvalidWrites(t *testing.T) {
	ctx := context.Background()
	store := realtime.NewMemory()
	c := New(store, nil, 0)

	_, err := c.CreateItem(ctx, model.StoreItem{Name: "Mug", Points: -1, Stock: model.CountStock(1)})
	assert.ErrorIs(t, err, ErrInvalidItem)
	assert.ErrorIs(t, c.SetStock(ctx, "x", model.CountStock(-1)), ErrInvalidItem)
	assert.ErrorIs(t, c.UpdateItem(ctx, "", model.StoreItem{Name: "Mug", Points: 1, Stock: model.CountStock(1)}), ErrNotFound)

	snap, err := store.Get(ctx, itemsPath)
	require.NoError(t, err)
	assert.False(t, snap.Exists())
}

func TestCatalog_SkipsMalformedItems(t *testing.T) {
	ctx := context.Background()
	store := realtime.NewMemory()
	require.NoError(t, store.Set(ctx, "storeItems/good", map[string]any{"name": "Mug", "points": 5, "stock": "out"}))
	require.NoError(t, store.Set(ctx, "storeItems/bad", map[string]any{"name": "Mug", "points": 5, "stock": "plenty"}))

	c := startCatalog(t, store)
	items := c.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "good", items[0].ID)
	assert.True(t, items[0].Stock.Exhausted())
}

type brokenStore struct {
	*realtime.Memory
}

func (brokenStore) Subscribe(string, func(realtime.Snapshot), func(error)) (realtime.Unsubscribe, error) {
	return nil, errors.New("permission denied")
}

func TestCatalog_SubscriptionErrorClearsLoading(t *testing.T) {
	c := startCatalog(t, brokenStore{realtime.NewMemory()})
	assert.False(t, c.Loading())
	assert.Empty(t, c.Items())
}

type silentStore struct {
	*realtime.Memory
}

func (silentStore) Subscribe(string, func(realtime.Snapshot), func(error)) (realtime.Unsubscribe, error) {
	return func() {}, nil
}

func TestCatalog_LoadingIsBounded(t *testing.T) {
	c := New(silentStore{realtime.NewMemory()}, nil, 20*time.Millisecond)
	c.Start()
	defer c.Close()

	assert.True(t, c.Loading())
	require.Eventually(t, func() bool { return !c.Loading() }, time.Second, 5*time.Millisecond)
}
