// Package cardlink реализует привязку карты через устройство: клиент
// выставляет запрос в rfidLinking/{uid}, устройство отвечает идентификатором
// карты по тому же пути.
package cardlink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/droppoint/internal/model"
	"github.com/mmeshcher/droppoint/internal/realtime"
	"github.com/mmeshcher/droppoint/internal/rfid"
)

// DefaultTimeout — время ожидания ответа устройства.
const DefaultTimeout = 50 * time.Second

const writeTimeout = 10 * time.Second

// State — состояние привязки.
type State string

const (
	StateIdle      State = "idle"
	StateLinking   State = "linking"
	StateLinked    State = "linked"
	StateTimedOut  State = "timed-out"
	StateCancelled State = "cancelled"
)

// ErrClosed возвращается после Close.
var ErrClosed = errors.New("linker closed")

// Status — текущее состояние привязки и карта пользователя.
type Status struct {
	State State  `json:"state"`
	Card  string `json:"rfidUid,omitempty"`
	Error string `json:"error,omitempty"`
}

// MarkerPath возвращает путь запроса привязки пользователя.
func MarkerPath(uid string) string { return realtime.Join("rfidLinking", uid) }

// Linker ведёт привязку карты одного пользователя.
type Linker struct {
	store   realtime.Store
	uid     string
	logger  *zap.Logger
	timeout time.Duration
	now     func() time.Time

	mu      sync.Mutex
	state   State
	card    string
	lastErr string
	attempt uint64
	timer   *time.Timer
	unsub   realtime.Unsubscribe
	closed  bool
}

// NewLinker создаёт Linker в состоянии idle.
func NewLinker(store realtime.Store, uid string, logger *zap.Logger, timeout time.Duration) *Linker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Linker{
		store:   store,
		uid:     uid,
		logger:  logger.With(zap.String("uid", uid)),
		timeout: timeout,
		now:     time.Now,
		state:   StateIdle,
	}
}

// Status возвращает текущее состояние.
func (l *Linker) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{State: l.state, Card: l.card, Error: l.lastErr}
}

// Load читает текущую карту пользователя и восстанавливает запись индекса.
// Привязанная карта переводит Linker в состояние linked.
func (l *Linker) Load(ctx context.Context) error {
	card, err := rfid.Ensure(ctx, l.store, l.uid)
	if card != "" {
		l.mu.Lock()
		l.card = card
		if l.state == StateIdle {
			l.state = StateLinked
		}
		l.mu.Unlock()
	}
	return err
}

// Start выставляет запрос привязки и ждёт ответа устройства.
// Предыдущая попытка отменяется.
func (l *Linker) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.stopLocked()
	l.attempt++
	attempt := l.attempt
	l.state = StateLinking
	l.lastErr = ""
	l.mu.Unlock()

	marker := model.LinkRequest{Requested: true, Timestamp: l.now().UnixMilli()}
	if err := l.store.Set(ctx, MarkerPath(l.uid), marker); err != nil {
		l.mu.Lock()
		if l.attempt == attempt {
			l.state = StateIdle
		}
		l.mu.Unlock()
		return fmt.Errorf("write link request: %w", err)
	}

	unsub, err := l.store.Subscribe(MarkerPath(l.uid), func(s realtime.Snapshot) {
		l.onMarker(attempt, s)
	}, func(err error) {
		l.logger.Error("link subscription error", zap.Error(err))
	})
	if err != nil {
		l.finish(attempt, StateIdle)
		return fmt.Errorf("subscribe link request: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// попытка могла завершиться уже по начальному снимку
	if l.closed || l.attempt != attempt || l.state != StateLinking {
		unsub()
		return nil
	}
	l.unsub = unsub
	l.timer = time.AfterFunc(l.timeout, func() { l.finish(attempt, StateTimedOut) })
	l.logger.Info("card link requested")
	return nil
}

func (l *Linker) onMarker(attempt uint64, s realtime.Snapshot) {
	card := rfid.Normalize(s.Child("rfidUid").String())
	if card == "" {
		return
	}

	l.mu.Lock()
	active := !l.closed && l.attempt == attempt && l.state == StateLinking
	l.mu.Unlock()
	if !active {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	prev, err := rfid.Current(ctx, l.store, l.uid)
	if err == nil {
		err = rfid.Relink(ctx, l.store, l.uid, prev, card)
	}
	if err != nil {
		l.logger.Error("card link failed", zap.String("card", card), zap.Error(err))
		l.mu.Lock()
		if l.attempt == attempt {
			l.lastErr = err.Error()
		}
		l.mu.Unlock()
		return
	}

	l.mu.Lock()
	if l.attempt == attempt {
		l.card = card
	}
	l.mu.Unlock()

	if l.finish(attempt, StateLinked) {
		l.logger.Info("card linked", zap.String("card", card))
	}
}

// Cancel отменяет текущую попытку.
func (l *Linker) Cancel() {
	l.mu.Lock()
	attempt := l.attempt
	l.mu.Unlock()
	l.finish(attempt, StateCancelled)
}

// finish завершает попытку attempt, если она ещё активна, и снимает запрос.
func (l *Linker) finish(attempt uint64, state State) bool {
	l.mu.Lock()
	if l.attempt != attempt || l.state != StateLinking {
		l.mu.Unlock()
		return false
	}
	l.state = state
	l.stopLocked()
	l.mu.Unlock()

	if state == StateTimedOut {
		l.logger.Warn("card link timed out")
	}
	l.clearMarker()
	return true
}

func (l *Linker) clearMarker() {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := l.store.Remove(ctx, MarkerPath(l.uid)); err != nil {
		l.logger.Warn("failed to clear link request", zap.Error(err))
	}
}

func (l *Linker) stopLocked() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	if l.unsub != nil {
		l.unsub()
		l.unsub = nil
	}
}

// Close отменяет незавершённую попытку и освобождает подписку.
func (l *Linker) Close() {
	l.Cancel()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.stopLocked()
}
