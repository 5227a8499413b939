// Package realtime описывает адаптер иерархического хранилища «ключ-путь»
// с подписками на изменения и содержит его реализацию в памяти.
//
// Хранилище гарантирует порядок доставки изменений одного пути его
// подписчикам (last write wins) и не гарантирует ни порядка, ни атомарности
// между разными путями, если реализация не поддерживает Updater.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrInvalidPath возвращается для пустого или некорректного пути записи.
	ErrInvalidPath = errors.New("invalid path")
	// ErrClosed возвращается при обращении к закрытому хранилищу.
	ErrClosed = errors.New("store closed")
)

// Unsubscribe отменяет подписку. Повторный вызов безопасен.
type Unsubscribe func()

// Store описывает примитивы удалённого хранилища, используемые остальными компонентами.
type Store interface {
	// Get однократно читает значение по пути.
	Get(ctx context.Context, path string) (Snapshot, error)
	// Subscribe доставляет текущее значение пути, а затем каждое его изменение.
	// onError вызывается, если источник сообщил об ошибке; после неё доставка прекращается.
	// Ошибка чтения при рассылке изменения подписку не завершает.
	Subscribe(path string, onValue func(Snapshot), onError func(error)) (Unsubscribe, error)
	// Set записывает значение по пути; nil удаляет узел.
	Set(ctx context.Context, path string, value any) error
	// Remove удаляет узел и всех его потомков.
	Remove(ctx context.Context, path string) error
	// Push добавляет значение под сгенерированным ключом и возвращает ключ.
	Push(ctx context.Context, path string, value any) (string, error)
}

// Updater реализуется хранилищами, умеющими атомарно записать несколько путей.
type Updater interface {
	// Update применяет все записи как одну: подписчики видят либо все, либо ни одной.
	// Пути не должны пересекаться; nil удаляет узел.
	Update(ctx context.Context, values map[string]any) error
}

// Raiser реализуется хранилищами, умеющими поднять числовое значение без гонки
// с параллельной записью.
type Raiser interface {
	// Raise записывает value, только если текущее значение пути меньше value
	// или отсутствует. Возвращает true, если запись состоялась.
	Raise(ctx context.Context, path string, value int64) (bool, error)
}

// NewKey генерирует ключ для Push. Ключи упорядочены по времени создания,
// поэтому сортировка по ключу совпадает с порядком добавления.
func NewKey() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Join склеивает сегменты в путь.
func Join(segments ...string) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		s = strings.Trim(s, "/")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "/")
}

// Split разбивает путь на сегменты, отбрасывая пустые.
func Split(path string) []string {
	raw := strings.Split(path, "/")
	parts := raw[:0]
	for _, p := range raw {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// Related сообщает, влияет ли изменение одного пути на значение другого:
// пути совпадают или один из них является предком другого.
func Related(a, b string) bool {
	a, b = Join(a), Join(b)
	if a == b || a == "" || b == "" {
		return true
	}
	return strings.HasPrefix(b, a+"/") || strings.HasPrefix(a, b+"/")
}

// CheckDisjoint проверяет, что ни один путь набора не является предком другого.
func CheckDisjoint(paths []string) error {
	for i, a := range paths {
		if Join(a) == "" {
			return ErrInvalidPath
		}
		for _, b := range paths[i+1:] {
			if Related(a, b) {
				return fmt.Errorf("%w: %q overlaps %q", ErrInvalidPath, a, b)
			}
		}
	}
	return nil
}
