package realtime

import (
	"context"
	"sort"
	"sync"
)

// Memory — хранилище в памяти процесса. Используется без DATABASE_URI и в тестах.
type Memory struct {
	mu   sync.RWMutex
	root map[string]any
	hub  *Hub
}

// NewMemory создаёт пустое хранилище.
func NewMemory() *Memory {
	return &Memory{
		root: make(map[string]any),
		hub:  NewHub(),
	}
}

// Get читает значение по пути.
func (m *Memory) Get(ctx context.Context, path string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked(path), nil
}

// Subscribe подписывает на значение пути.
func (m *Memory) Subscribe(path string, onValue func(Snapshot), _ func(error)) (Unsubscribe, error) {
	// запись не должна проскочить между чтением начального значения и регистрацией
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hub.Attach(path, m.snapshotLocked(path), onValue)
}

// Set записывает значение по пути.
func (m *Memory) Set(ctx context.Context, path string, value any) error {
	return m.Update(ctx, map[string]any{path: value})
}

// Remove удаляет узел.
func (m *Memory) Remove(ctx context.Context, path string) error {
	return m.Set(ctx, path, nil)
}

// Push добавляет значение под новым ключом.
func (m *Memory) Push(ctx context.Context, path string, value any) (string, error) {
	key := NewKey()
	if err := m.Set(ctx, Join(path, key), value); err != nil {
		return "", err
	}
	return key, nil
}

// Update атомарно применяет набор записей.
func (m *Memory) Update(ctx context.Context, values map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	paths := make([]string, 0, len(values))
	for p := range values {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	if err := CheckDisjoint(paths); err != nil {
		return err
	}

	normalized := make(map[string]any, len(values))
	for _, p := range paths {
		v, err := Normalize(values[p])
		if err != nil {
			return err
		}
		normalized[p] = v
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range paths {
		setAt(m.root, Split(p), normalized[p])
	}
	m.publishLocked(paths)
	return nil
}

// Raise поднимает числовое значение пути до value.
func (m *Memory) Raise(ctx context.Context, path string, value int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := CheckDisjoint([]string{path}); err != nil {
		return false, err
	}
	normalized, err := Normalize(value)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.snapshotLocked(path)
	if current.Exists() && current.Int() >= value {
		return false, nil
	}
	setAt(m.root, Split(path), normalized)
	m.publishLocked([]string{path})
	return true, nil
}

// Close останавливает доставку всем подписчикам.
func (m *Memory) Close() error {
	m.hub.Close()
	return nil
}

func (m *Memory) snapshotLocked(path string) Snapshot {
	return NewSnapshot(path, deepCopy(lookup(m.root, Split(path))))
}

func (m *Memory) publishLocked(paths []string) {
	_ = m.hub.Publish(paths, func(p string) (Snapshot, error) {
		return m.snapshotLocked(p), nil
	})
}
