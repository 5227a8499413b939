// Package catalog предоставляет живой список товаров магазина и операции
// администратора над ним.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/droppoint/internal/model"
	"github.com/mmeshcher/droppoint/internal/realtime"
)

const itemsPath = "storeItems"

var (
	// ErrInvalidItem возвращается, если товар не прошёл проверку перед записью.
	ErrInvalidItem = errors.New("invalid store item")
	// ErrNotFound возвращается, если товара нет в каталоге.
	ErrNotFound = errors.New("item not found")
)

// ItemPath возвращает путь товара.
func ItemPath(id string) string { return realtime.Join(itemsPath, id) }

// Validate проверяет товар перед записью: непустое название, положительная
// стоимость, положительный остаток либо без ограничений.
func Validate(item model.StoreItem) error {
	if strings.TrimSpace(item.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidItem)
	}
	if item.Points <= 0 {
		return fmt.Errorf("%w: points must be positive", ErrInvalidItem)
	}
	if !item.Stock.Unlimited && item.Stock.Count <= 0 {
		return fmt.Errorf("%w: stock must be positive or unlimited", ErrInvalidItem)
	}
	return nil
}

// Catalog — живая модель каталога.
type Catalog struct {
	store        realtime.Store
	logger       *zap.Logger
	readyTimeout time.Duration

	mu      sync.RWMutex
	items   []model.StoreItem
	ready   bool
	readyCh chan struct{}
	timer   *time.Timer
	unsub   realtime.Unsubscribe
	started bool
	closed  bool
}

// New создаёт каталог. Подписка открывается в Start.
func New(store realtime.Store, logger *zap.Logger, readyTimeout time.Duration) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{
		store:        store,
		logger:       logger,
		readyTimeout: readyTimeout,
		readyCh:      make(chan struct{}),
	}
}

// Start подписывается на storeItems. При ошибке подписки каталог пуст.
func (c *Catalog) Start() {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return
	}
	c.started = true
	if c.readyTimeout > 0 {
		c.timer = time.AfterFunc(c.readyTimeout, c.loadingTimeout)
	}
	c.mu.Unlock()

	unsub, err := c.store.Subscribe(itemsPath, c.apply, c.fail)
	if err != nil {
		c.fail(err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		unsub()
		return
	}
	c.unsub = unsub
}

func (c *Catalog) apply(s realtime.Snapshot) {
	children := s.Children()
	items := make([]model.StoreItem, 0, len(children))
	for _, child := range children {
		var item model.StoreItem
		if err := child.Decode(&item); err != nil {
			c.logger.Warn("skipping malformed store item", zap.String("id", child.Key()), zap.Error(err))
			continue
		}
		item.ID = child.Key()
		items = append(items, item)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.items = items
	c.markReadyLocked()
}

func (c *Catalog) fail(err error) {
	c.logger.Error("store items subscription error", zap.Error(err))

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.items = nil
	c.markReadyLocked()
}

func (c *Catalog) loadingTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready && !c.closed {
		c.logger.Warn("store items loading timeout")
		c.markReadyLocked()
	}
}

func (c *Catalog) markReadyLocked() {
	if c.ready {
		return
	}
	c.ready = true
	close(c.readyCh)
	if c.timer != nil {
		c.timer.Stop()
	}
}

// Close отменяет подписку.
func (c *Catalog) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
	}
	unsub := c.unsub
	c.unsub = nil
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

// Ready закрывается после первой загрузки или истечения таймаута.
func (c *Catalog) Ready() <-chan struct{} { return c.readyCh }

// Loading сообщает, что каталог ещё загружается.
func (c *Catalog) Loading() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.ready
}

// Items возвращает товары в порядке ключей.
func (c *Catalog) Items() []model.StoreItem {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]model.StoreItem(nil), c.items...)
}

// Item возвращает товар из живой модели.
func (c *Catalog) Item(id string) (model.StoreItem, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, it := range c.items {
		if it.ID == id {
			return it, true
		}
	}
	return model.StoreItem{}, false
}

// Lookup однократно читает товар из хранилища.
func (c *Catalog) Lookup(ctx context.Context, id string) (model.StoreItem, error) {
	if id == "" {
		return model.StoreItem{}, ErrNotFound
	}
	snap, err := c.store.Get(ctx, ItemPath(id))
	if err != nil {
		return model.StoreItem{}, fmt.Errorf("get item: %w", err)
	}
	if !snap.Exists() {
		return model.StoreItem{}, ErrNotFound
	}

	var item model.StoreItem
	if err := snap.Decode(&item); err != nil {
		return model.StoreItem{}, err
	}
	item.ID = id
	return item, nil
}

// CreateItem добавляет товар и возвращает его идентификатор.
func (c *Catalog) CreateItem(ctx context.Context, item model.StoreItem) (string, error) {
	if err := Validate(item); err != nil {
		return "", err
	}
	id, err := c.store.Push(ctx, itemsPath, item)
	if err != nil {
		return "", fmt.Errorf("create item: %w", err)
	}
	return id, nil
}

// UpdateItem заменяет товар целиком.
func (c *Catalog) UpdateItem(ctx context.Context, id string, item model.StoreItem) error {
	if id == "" {
		return ErrNotFound
	}
	if err := Validate(item); err != nil {
		return err
	}
	if err := c.store.Set(ctx, ItemPath(id), item); err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	return nil
}

// DeleteItem удаляет товар.
func (c *Catalog) DeleteItem(ctx context.Context, id string) error {
	if id == "" {
		return ErrNotFound
	}
	if err := c.store.Remove(ctx, ItemPath(id)); err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	return nil
}

// SetStock задаёт остаток товара. Нулевой остаток допустим и означает, что товар закончился.
func (c *Catalog) SetStock(ctx context.Context, id string, stock model.Stock) error {
	if id == "" {
		return ErrNotFound
	}
	if !stock.Unlimited && stock.Count < 0 {
		return fmt.Errorf("%w: stock must not be negative", ErrInvalidItem)
	}
	if err := c.store.Set(ctx, realtime.Join(ItemPath(id), "stock"), stock.Value()); err != nil {
		return fmt.Errorf("set stock: %w", err)
	}
	return nil
}
