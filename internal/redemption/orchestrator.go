// Package redemption выполняет обмен баллов на товар каталога.
package redemption

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/droppoint/internal/ledger"
	"github.com/mmeshcher/droppoint/internal/model"
	"github.com/mmeshcher/droppoint/internal/realtime"
)

var (
	// ErrInsufficientFunds возвращается, если баланс меньше стоимости товара.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrOutOfStock возвращается, если товар закончился.
	ErrOutOfStock = errors.New("item out of stock")
	// ErrRedemptionFailed возвращается при ошибке записи во время обмена.
	// Уже выполненные записи не откатываются.
	ErrRedemptionFailed = errors.New("redemption failed")
	// ErrBalanceNotLoaded возвращается, пока история баланса загружена не полностью.
	// Запрос можно повторить позже.
	ErrBalanceNotLoaded = errors.New("balance not loaded")
)

const (
	codeMin  = 10_000_000
	codeSpan = 90_000_000
)

// BalanceSource предоставляет актуальный баланс пользователя.
type BalanceSource interface {
	Balance() ledger.Balance
}

// LoadReporter реализуется источником баланса, который знает, получены ли
// все данные, из которых баланс вычислен.
type LoadReporter interface {
	Loaded() bool
}

// SyncHolder реализуется источником баланса, который умеет приостановить
// подъём счётчика на время обмена.
type SyncHolder interface {
	HoldSync() *ledger.Hold
}

// Receipt — результат успешного обмена.
type Receipt struct {
	RecordID         string `json:"recordId"`
	VerificationCode string `json:"verificationCode"`
	Points           int64  `json:"points"`
	Remaining        int64  `json:"remaining"`
}

// Option настраивает Orchestrator.
type Option func(*Orchestrator)

// WithLogger задаёт журнал.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock задаёт источник времени для меток записей.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithRand задаёт генератор для кодов подтверждения; intn возвращает число в [0, n).
func WithRand(intn func(n int) int) Option {
	return func(o *Orchestrator) { o.intn = intn }
}

// WithOrderedWrites отключает атомарную запись даже для хранилищ, которые её поддерживают.
func WithOrderedWrites() Option {
	return func(o *Orchestrator) { o.ordered = true }
}

// Orchestrator выполняет обмен.
type Orchestrator struct {
	store   realtime.Store
	logger  *zap.Logger
	now     func() time.Time
	intn    func(n int) int
	ordered bool
}

// NewOrchestrator создаёт оркестратор обменов поверх хранилища.
func NewOrchestrator(store realtime.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:  store,
		logger: zap.NewNop(),
		now:    time.Now,
		intn:   rand.IntN,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// GenerateCode возвращает восьмизначный код подтверждения из [10000000, 99999999].
func GenerateCode(intn func(n int) int) string {
	return strconv.Itoa(codeMin + intn(codeSpan))
}

// Redeem обменивает баллы пользователя uid на товар item.
//
// Проверки выполняются до первой записи. Затем: списание со счётчика,
// запись об обмене со статусом pending, уменьшение конечного остатка.
// Если хранилище поддерживает атомарную запись нескольких путей, три записи
// применяются одной операцией; иначе выполняются последовательно и при сбое
// не откатываются: вычисленный по истории баланс отразит фактически
// применённые записи. Пока источник баланса не загружен полностью, обмен
// отклоняется с ErrBalanceNotLoaded.
func (o *Orchestrator) Redeem(ctx context.Context, uid string, balance BalanceSource, item model.StoreItem) (*Receipt, error) {
	if uid == "" || item.ID == "" {
		return nil, errors.New("user and item are required")
	}
	if item.Stock.Exhausted() {
		return nil, ErrOutOfStock
	}

	if lr, ok := balance.(LoadReporter); ok && !lr.Loaded() {
		return nil, ErrBalanceNotLoaded
	}

	current := balance.Balance().Authoritative
	if current < item.Points {
		return nil, ErrInsufficientFunds
	}

	code := GenerateCode(o.intn)
	remaining := current - item.Points
	record := model.RedemptionRecord{
		ItemID:           item.ID,
		ItemName:         item.Name,
		Points:           item.Points,
		VerificationCode: code,
		Timestamp:        o.now().UnixMilli(),
		Status:           model.RedemptionPending,
	}

	var recordID string
	if h, ok := balance.(SyncHolder); ok {
		hold := h.HoldSync()
		defer func() { hold.Release(recordID) }()
	}

	log := o.logger.With(zap.String("uid", uid), zap.String("item", item.ID))

	var err error
	if u, ok := o.store.(realtime.Updater); ok && !o.ordered {
		recordID, err = o.commit(ctx, u, uid, remaining, record, item)
	} else {
		recordID, err = o.writeOrdered(ctx, uid, remaining, record, item)
	}
	if err != nil {
		log.Error("redemption write failed", zap.String("record", recordID), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrRedemptionFailed, err)
	}

	log.Info("item redeemed", zap.String("record", recordID), zap.Int64("points", item.Points))

	return &Receipt{
		RecordID:         recordID,
		VerificationCode: code,
		Points:           item.Points,
		Remaining:        remaining,
	}, nil
}

func (o *Orchestrator) commit(ctx context.Context, u realtime.Updater, uid string, remaining int64, record model.RedemptionRecord, item model.StoreItem) (string, error) {
	recordID := realtime.NewKey()
	values := make(map[string]any, 3)
	values[ledger.PointsPath(uid)] = remaining
	values[realtime.Join(ledger.RedemptionsPath(uid), recordID)] = record
	if item.Stock.Finite() {
		values[stockPath(item.ID)] = item.Stock.Decrement().Value()
	}

	if err := u.Update(ctx, values); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return recordID, nil
}

func (o *Orchestrator) writeOrdered(ctx context.Context, uid string, remaining int64, record model.RedemptionRecord, item model.StoreItem) (string, error) {
	// списание пишется раньше записи об обмене
	if err := o.store.Set(ctx, ledger.PointsPath(uid), remaining); err != nil {
		return "", fmt.Errorf("debit points: %w", err)
	}

	recordID, err := o.store.Push(ctx, ledger.RedemptionsPath(uid), record)
	if err != nil {
		return "", fmt.Errorf("append record: %w", err)
	}

	if item.Stock.Finite() {
		if err := o.store.Set(ctx, stockPath(item.ID), item.Stock.Decrement().Value()); err != nil {
			return recordID, fmt.Errorf("decrement stock: %w", err)
		}
	}
	return recordID, nil
}

func stockPath(itemID string) string {
	return realtime.Join("storeItems", itemID, "stock")
}
