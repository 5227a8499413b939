package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/droppoint/internal/model"
	"github.com/mmeshcher/droppoint/internal/realtime"
)

// DefaultReadyTimeout ограничивает ожидание первых данных от подписок.
const DefaultReadyTimeout = 5 * time.Second

const syncWriteTimeout = 10 * time.Second

// ErrSyncWriteFailed оборачивает ошибку записи скорректированного счётчика.
// Ошибка только журналируется.
var ErrSyncWriteFailed = errors.New("balance sync write failed")

// PointsPath возвращает путь счётчика баллов пользователя.
func PointsPath(uid string) string { return realtime.Join("users", uid, "points") }

// DisposalsPath возвращает путь истории сбросов пользователя.
func DisposalsPath(uid string) string { return realtime.Join("disposals", uid) }

// RedemptionsPath возвращает путь истории обменов пользователя.
func RedemptionsPath(uid string) string { return realtime.Join("redemptions", uid) }

// Option настраивает Reconciler.
type Option func(*Reconciler)

// WithLogger задаёт журнал.
func WithLogger(l *zap.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock задаёт источник текущего времени для подсчёта баллов за сегодня.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithReadyTimeout задаёт предельное время ожидания первых данных.
func WithReadyTimeout(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.readyTimeout = d
		}
	}
}

// WithOnChange задаёт обработчик каждого нового значения баланса.
// Обработчик вызывается вне внутренней блокировки.
func WithOnChange(fn func(Balance)) Option {
	return func(r *Reconciler) { r.onChange = fn }
}

// Reconciler следит за счётчиком, сбросами и обменами одного пользователя,
// вычисляет баланс и поднимает счётчик до вычисленного значения.
type Reconciler struct {
	store        realtime.Store
	uid          string
	logger       *zap.Logger
	now          func() time.Time
	readyTimeout time.Duration
	onChange     func(Balance)

	mu              sync.Mutex
	stored          int64
	disposals       []model.DisposalEvent
	spent           int64
	redemptionIDs   map[string]struct{}
	counterLoaded   bool
	disposalsLoaded bool
	redemptLoaded   bool
	counterFailed   bool
	disposalsFailed bool
	redemptFailed   bool
	ready           bool
	readyCh         chan struct{}
	loadedCh        chan struct{}
	loadedOnce      bool
	readyTimer      *time.Timer
	started         bool
	closed          bool
	unsubs          []realtime.Unsubscribe
	holds           int
	pending         map[string]*Hold
	syncing         bool
	syncTarget      int64
}

// NewReconciler создаёт сверяющий компонент для пользователя uid. Подписки
// открываются в Start.
func NewReconciler(store realtime.Store, uid string, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:         store,
		uid:           uid,
		logger:        zap.NewNop(),
		now:           time.Now,
		readyTimeout:  DefaultReadyTimeout,
		redemptionIDs: make(map[string]struct{}),
		readyCh:       make(chan struct{}),
		loadedCh:      make(chan struct{}),
		pending:       make(map[string]*Hold),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("uid", uid))
	return r
}

// UID возвращает идентификатор пользователя, к которому привязан компонент.
func (r *Reconciler) UID() string { return r.uid }

// Start подписывается на три источника и запускает таймер готовности.
// Ошибка подписки не фатальна: для показа источник считается пустым, но
// загруженным он не становится, и счётчик по нему не поднимается.
func (r *Reconciler) Start() {
	r.mu.Lock()
	if r.started || r.closed {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.readyTimer = time.AfterFunc(r.readyTimeout, r.forceReady)
	r.mu.Unlock()

	r.subscribe(PointsPath(r.uid), r.applyCounter, func() {
		r.stored = 0
		r.counterLoaded = false
		r.counterFailed = true
	})
	r.subscribe(DisposalsPath(r.uid), r.applyDisposals, func() {
		r.disposals = nil
		r.disposalsLoaded = false
		r.disposalsFailed = true
	})
	r.subscribe(RedemptionsPath(r.uid), r.applyRedemptions, func() {
		r.spent = 0
		r.redemptionIDs = make(map[string]struct{})
		r.redemptLoaded = false
		r.redemptFailed = true
	})
}

func (r *Reconciler) subscribe(path string, apply func(realtime.Snapshot), degrade func()) {
	fail := func(err error) {
		r.logger.Warn("ledger subscription error", zap.String("path", path), zap.Error(err))
		r.update(degrade)
	}

	unsub, err := r.store.Subscribe(path,
		func(s realtime.Snapshot) { r.update(func() { apply(s) }) },
		fail,
	)
	if err != nil {
		fail(err)
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		unsub()
		return
	}
	r.unsubs = append(r.unsubs, unsub)
	r.mu.Unlock()
}

func (r *Reconciler) applyCounter(s realtime.Snapshot) {
	r.stored = s.Int()
	r.counterLoaded = true
	r.counterFailed = false
}

func (r *Reconciler) applyDisposals(s realtime.Snapshot) {
	children := s.Children()
	events := make([]model.DisposalEvent, 0, len(children))
	for _, c := range children {
		events = append(events, model.DisposalEvent{
			ID:        c.Key(),
			Points:    c.Child("points").Int(),
			Timestamp: c.Child("timestamp").Int(),
		})
	}
	r.disposals = events
	r.disposalsLoaded = true
	r.disposalsFailed = false
}

func (r *Reconciler) applyRedemptions(s realtime.Snapshot) {
	var spent int64
	ids := make(map[string]struct{})
	for _, c := range s.Children() {
		spent += c.Child("points").Int()
		ids[c.Key()] = struct{}{}
	}
	r.spent = spent
	r.redemptionIDs = ids
	r.redemptLoaded = true
	r.redemptFailed = false

	for id, h := range r.pending {
		if _, ok := ids[id]; ok {
			h.stopTimer()
			delete(r.pending, id)
			r.holds--
		}
	}
}

// update применяет изменение состояния, пересчитывает готовность и синхронизацию
// и уведомляет подписчика. Изменения после Close отбрасываются.
func (r *Reconciler) update(fn func()) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	fn()
	if r.reportedLocked() {
		r.markReadyLocked()
	}
	if r.loadedLocked() && !r.loadedOnce {
		r.loadedOnce = true
		close(r.loadedCh)
	}
	r.maybeSyncLocked()
	b := r.balanceLocked()
	cb := r.onChange
	r.mu.Unlock()

	if cb != nil {
		cb(b)
	}
}

// loadedLocked сообщает, что все три источника прислали данные.
func (r *Reconciler) loadedLocked() bool {
	return r.counterLoaded && r.disposalsLoaded && r.redemptLoaded
}

// reportedLocked сообщает, что каждый источник прислал данные или ошибку.
func (r *Reconciler) reportedLocked() bool {
	return (r.counterLoaded || r.counterFailed) &&
		(r.disposalsLoaded || r.disposalsFailed) &&
		(r.redemptLoaded || r.redemptFailed)
}

func (r *Reconciler) markReadyLocked() {
	if r.ready {
		return
	}
	r.ready = true
	close(r.readyCh)
	if r.readyTimer != nil {
		r.readyTimer.Stop()
	}
}

func (r *Reconciler) forceReady() {
	r.update(func() {
		if !r.ready {
			r.logger.Warn("ledger loading timeout, marking ready",
				zap.Bool("counter", r.counterLoaded),
				zap.Bool("disposals", r.disposalsLoaded),
				zap.Bool("redemptions", r.redemptLoaded),
			)
			r.markReadyLocked()
		}
	})
}

// maybeSyncLocked поднимает счётчик до вычисленного баланса. Запись возможна
// только при данных от всех трёх источников, без активных удержаний и только
// вверх. Ошибка подписки данными не считается.
func (r *Reconciler) maybeSyncLocked() {
	if r.closed || !r.loadedLocked() || r.holds > 0 {
		return
	}

	computed := ComputedBalance(Totals(r.disposals), r.spent)
	if computed <= r.stored {
		return
	}
	if r.syncing && r.syncTarget == computed {
		return
	}

	r.syncing = true
	r.syncTarget = computed
	go r.writeCounter(computed)
}

func (r *Reconciler) writeCounter(value int64) {
	ctx, cancel := context.WithTimeout(context.Background(), syncWriteTimeout)
	defer cancel()

	raised := true
	var err error
	if raiser, ok := r.store.(realtime.Raiser); ok {
		raised, err = raiser.Raise(ctx, PointsPath(r.uid), value)
	} else {
		err = r.store.Set(ctx, PointsPath(r.uid), value)
	}

	r.mu.Lock()
	if r.syncTarget == value {
		r.syncing = false
	}
	r.mu.Unlock()

	if err != nil {
		r.logger.Warn("balance sync failed",
			zap.Int64("value", value),
			zap.Error(fmt.Errorf("%w: %w", ErrSyncWriteFailed, err)),
		)
		return
	}
	if !raised {
		r.logger.Debug("balance sync skipped, counter already higher", zap.Int64("value", value))
		return
	}
	r.logger.Info("balance synced up", zap.Int64("value", value))
}

// Balance возвращает текущее значение баланса.
func (r *Reconciler) Balance() Balance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.balanceLocked()
}

func (r *Reconciler) balanceLocked() Balance {
	b := Compute(r.stored, r.disposals, r.spent, r.now())
	b.Ready = r.ready
	return b
}

// Ready закрывается, когда баланс готов к показу.
func (r *Reconciler) Ready() <-chan struct{} { return r.readyCh }

// Loaded сообщает, что все три источника сейчас доставляют данные.
// Готовность по таймауту этого не означает: по такому балансу списывать нельзя.
func (r *Reconciler) Loaded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadedLocked()
}

// WaitLoaded ждёт первых данных от всех трёх источников или отмены контекста.
func (r *Reconciler) WaitLoaded(ctx context.Context) error {
	select {
	case <-r.loadedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitReady ждёт готовности баланса или отмены контекста.
func (r *Reconciler) WaitReady(ctx context.Context) error {
	select {
	case <-r.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Refresh однократно перечитывает счётчик, не дожидаясь уведомления подписки.
func (r *Reconciler) Refresh(ctx context.Context) error {
	snap, err := r.store.Get(ctx, PointsPath(r.uid))
	if err != nil {
		return fmt.Errorf("refresh points: %w", err)
	}
	r.update(func() { r.applyCounter(snap) })
	return nil
}

// Close отменяет подписки и таймеры. Данные, пришедшие после Close, игнорируются.
func (r *Reconciler) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	if r.readyTimer != nil {
		r.readyTimer.Stop()
	}
	for id, h := range r.pending {
		h.stopTimer()
		delete(r.pending, id)
	}
	unsubs := r.unsubs
	r.unsubs = nil
	r.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
}

// Hold приостанавливает подъём счётчика на время обмена.
type Hold struct {
	r     *Reconciler
	once  sync.Once
	mu    sync.Mutex
	timer *time.Timer
}

// HoldSync запрещает подъём счётчика до вызова Release.
func (r *Reconciler) HoldSync() *Hold {
	r.mu.Lock()
	r.holds++
	r.mu.Unlock()
	return &Hold{r: r}
}

// Release снимает удержание. Если передан идентификатор записи обмена,
// удержание остаётся до её появления в истории обменов, но не дольше
// таймаута готовности: иначе уже видимое списание было бы «восстановлено»
// по истории, ещё не содержащей этой записи.
func (h *Hold) Release(recordID string) {
	h.once.Do(func() {
		r := h.r
		r.update(func() {
			if recordID == "" {
				r.holds--
				return
			}
			if _, seen := r.redemptionIDs[recordID]; seen {
				r.holds--
				return
			}
			r.pending[recordID] = h
			h.mu.Lock()
			h.timer = time.AfterFunc(r.readyTimeout, func() { r.expireHold(recordID) })
			h.mu.Unlock()
		})
	})
}

func (r *Reconciler) expireHold(recordID string) {
	r.update(func() {
		if _, ok := r.pending[recordID]; ok {
			delete(r.pending, recordID)
			r.holds--
			r.logger.Warn("redemption record not observed, releasing sync hold", zap.String("record", recordID))
		}
	})
}

func (h *Hold) stopTimer() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.timer != nil {
		h.timer.Stop()
	}
}
