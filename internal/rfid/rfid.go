// Package rfid поддерживает индекс карт rfidIndex, обратный полю rfidUid
// профиля пользователя.
package rfid

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/mmeshcher/droppoint/internal/realtime"
)

const indexPath = "rfidIndex"

var (
	// ErrInvalidCardID возвращается для идентификатора карты недопустимого формата.
	ErrInvalidCardID = errors.New("invalid card id")
	// ErrCardInUse возвращается, если карта уже привязана к другому пользователю.
	ErrCardInUse = errors.New("card is linked to another user")
)

var cardPattern = regexp.MustCompile(`^[0-9A-Z]+$`)

// Normalize приводит идентификатор карты к каноническому виду.
func Normalize(card string) string {
	return strings.ToUpper(strings.TrimSpace(card))
}

// Validate проверяет нормализованный идентификатор карты.
func Validate(card string) error {
	if !cardPattern.MatchString(card) {
		return fmt.Errorf("%w: %q", ErrInvalidCardID, card)
	}
	return nil
}

// IndexPath возвращает путь записи индекса для карты.
func IndexPath(card string) string { return realtime.Join(indexPath, card) }

// UserCardPath возвращает путь поля rfidUid пользователя.
func UserCardPath(uid string) string { return realtime.Join("users", uid, "rfidUid") }

// Owner возвращает uid владельца карты или пустую строку.
func Owner(ctx context.Context, store realtime.Store, card string) (string, error) {
	snap, err := store.Get(ctx, IndexPath(card))
	if err != nil {
		return "", fmt.Errorf("get index entry: %w", err)
	}
	return snap.String(), nil
}

// Current читает текущую карту пользователя.
func Current(ctx context.Context, store realtime.Store, uid string) (string, error) {
	snap, err := store.Get(ctx, UserCardPath(uid))
	if err != nil {
		return "", fmt.Errorf("get user card: %w", err)
	}
	return Normalize(snap.String()), nil
}

// Relink меняет карту пользователя с prev на next. Пустой next отвязывает карту.
//
// Запись предыдущей карты удаляется, только если она указывает на этого же
// пользователя. Если хранилище реализует realtime.Updater, все пути
// записываются одной операцией; иначе по порядку: поле пользователя,
// удаление старой записи индекса, новая запись индекса.
func Relink(ctx context.Context, store realtime.Store, uid, prev, next string) error {
	if uid == "" {
		return errors.New("uid is required")
	}
	prev, next = Normalize(prev), Normalize(next)
	if next != "" {
		if err := Validate(next); err != nil {
			return err
		}
		owner, err := Owner(ctx, store, next)
		if err != nil {
			return err
		}
		if owner != "" && owner != uid {
			return ErrCardInUse
		}
	}

	dropPrev := false
	if prev != "" && prev != next {
		owner, err := Owner(ctx, store, prev)
		if err != nil {
			return err
		}
		dropPrev = owner == uid
	}

	var userValue any
	if next != "" {
		userValue = next
	}

	if u, ok := store.(realtime.Updater); ok {
		values := map[string]any{UserCardPath(uid): userValue}
		if dropPrev {
			values[IndexPath(prev)] = nil
		}
		if next != "" {
			values[IndexPath(next)] = uid
		}
		if err := u.Update(ctx, values); err != nil {
			return fmt.Errorf("relink card: %w", err)
		}
		return nil
	}

	if err := store.Set(ctx, UserCardPath(uid), userValue); err != nil {
		return fmt.Errorf("set user card: %w", err)
	}
	if dropPrev {
		if err := store.Remove(ctx, IndexPath(prev)); err != nil {
			return fmt.Errorf("remove index entry: %w", err)
		}
	}
	if next != "" {
		if err := store.Set(ctx, IndexPath(next), uid); err != nil {
			return fmt.Errorf("set index entry: %w", err)
		}
	}
	return nil
}

// Ensure восстанавливает запись индекса для уже привязанной карты.
// Запись, указывающая на другого пользователя, не перезаписывается.
func Ensure(ctx context.Context, store realtime.Store, uid string) (string, error) {
	card, err := Current(ctx, store, uid)
	if err != nil || card == "" {
		return card, err
	}

	owner, err := Owner(ctx, store, card)
	if err != nil {
		return card, err
	}
	switch owner {
	case uid:
		return card, nil
	case "":
		if err := store.Set(ctx, IndexPath(card), uid); err != nil {
			return card, fmt.Errorf("set index entry: %w", err)
		}
		return card, nil
	default:
		return card, ErrCardInUse
	}
}

// Unlink удаляет запись индекса пользователя, если она указывает на него.
func Unlink(ctx context.Context, store realtime.Store, uid string) error {
	card, err := Current(ctx, store, uid)
	if err != nil || card == "" {
		return err
	}
	owner, err := Owner(ctx, store, card)
	if err != nil {
		return err
	}
	if owner != uid {
		return nil
	}
	if err := store.Remove(ctx, IndexPath(card)); err != nil {
		return fmt.Errorf("remove index entry: %w", err)
	}
	return nil
}
