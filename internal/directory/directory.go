// Package directory предоставляет администратору живые списки пользователей
// и обменов, фильтры по ним и операции над записями пользователей.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/droppoint/internal/model"
	"github.com/mmeshcher/droppoint/internal/realtime"
	"github.com/mmeshcher/droppoint/internal/rfid"
)

const (
	usersPath       = "users"
	redemptionsPath = "redemptions"
)

var (
	// ErrNotFound возвращается, если пользователя или записи нет.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyCollected возвращается при повторной выдаче товара.
	ErrAlreadyCollected = errors.New("redemption already collected")
	// ErrInvalidPoints возвращается для отрицательного количества баллов.
	ErrInvalidPoints = errors.New("points must not be negative")
)

// RedemptionFilter задаёт фильтр списка обменов. Пустые поля не ограничивают выборку.
type RedemptionFilter struct {
	Status model.RedemptionStatus
	Query  string
	UserID string
}

// Stats — сводка для панели администратора.
type Stats struct {
	Users       int `json:"users"`
	Redemptions int `json:"redemptions"`
	Pending     int `json:"pending"`
	Collected   int `json:"collected"`
}

// Directory — живая модель пользователей и обменов.
type Directory struct {
	store        realtime.Store
	logger       *zap.Logger
	readyTimeout time.Duration

	mu          sync.RWMutex
	users       []model.User
	redemptions []model.RedemptionRecord
	loaded      map[string]bool
	ready       bool
	readyCh     chan struct{}
	timer       *time.Timer
	unsubs      []realtime.Unsubscribe
	started     bool
	closed      bool
}

// New создаёт справочник. Подписки открываются в Start.
func New(store realtime.Store, logger *zap.Logger, readyTimeout time.Duration) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{
		store:        store,
		logger:       logger,
		readyTimeout: readyTimeout,
		loaded:       make(map[string]bool, 2),
		readyCh:      make(chan struct{}),
	}
}

// Start подписывается на users и redemptions.
func (d *Directory) Start() {
	d.mu.Lock()
	if d.started || d.closed {
		d.mu.Unlock()
		return
	}
	d.started = true
	if d.readyTimeout > 0 {
		d.timer = time.AfterFunc(d.readyTimeout, d.loadingTimeout)
	}
	d.mu.Unlock()

	d.watch(usersPath, d.applyUsers)
	d.watch(redemptionsPath, d.applyRedemptions)
}

func (d *Directory) watch(path string, apply func(realtime.Snapshot)) {
	onError := func(err error) {
		d.logger.Error("directory subscription error", zap.String("path", path), zap.Error(err))
		apply(realtime.NewSnapshot(path, nil))
	}

	unsub, err := d.store.Subscribe(path, apply, onError)
	if err != nil {
		onError(err)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		unsub()
		return
	}
	d.unsubs = append(d.unsubs, unsub)
}

func (d *Directory) applyUsers(s realtime.Snapshot) {
	children := s.Children()
	users := make([]model.User, 0, len(children))
	for _, c := range children {
		users = append(users, model.User{
			UID:         c.Key(),
			Email:       c.Child("email").String(),
			Name:        c.Child("name").String(),
			DisplayName: c.Child("displayName").String(),
			Points:      c.Child("points").Int(),
			RfidUID:     c.Child("rfidUid").String(),
			CreatedAt:   c.Child("createdAt").Int(),
		})
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.users = users
	d.markLoadedLocked(usersPath)
}

// Records разбирает узел redemptions/{uid} в записи обменов, новые первыми.
func Records(owner realtime.Snapshot) []model.RedemptionRecord {
	var records []model.RedemptionRecord
	for _, c := range owner.Children() {
		records = append(records, model.RedemptionRecord{
			ID:               c.Key(),
			UserID:           owner.Key(),
			ItemID:           c.Child("itemId").String(),
			ItemName:         c.Child("itemName").String(),
			Points:           c.Child("points").Int(),
			VerificationCode: c.Child("verificationCode").String(),
			Timestamp:        c.Child("timestamp").Int(),
			Status:           model.RedemptionStatus(c.Child("status").String()),
		})
	}
	newestFirst(records)
	return records
}

func newestFirst(records []model.RedemptionRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp > records[j].Timestamp
	})
}

func (d *Directory) applyRedemptions(s realtime.Snapshot) {
	var records []model.RedemptionRecord
	for _, owner := range s.Children() {
		records = append(records, Records(owner)...)
	}
	newestFirst(records)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.redemptions = records
	d.markLoadedLocked(redemptionsPath)
}

func (d *Directory) markLoadedLocked(path string) {
	d.loaded[path] = true
	if d.ready || !d.loaded[usersPath] || !d.loaded[redemptionsPath] {
		return
	}
	d.setReadyLocked()
}

func (d *Directory) loadingTimeout() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.ready && !d.closed {
		d.logger.Warn("directory loading timeout")
		d.setReadyLocked()
	}
}

func (d *Directory) setReadyLocked() {
	if d.ready {
		return
	}
	d.ready = true
	close(d.readyCh)
	if d.timer != nil {
		d.timer.Stop()
	}
}

// Close отменяет подписки.
func (d *Directory) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	if d.timer != nil {
		d.timer.Stop()
	}
	unsubs := d.unsubs
	d.unsubs = nil
	d.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
}

// Ready закрывается, когда оба списка загружены или истёк таймаут.
func (d *Directory) Ready() <-chan struct{} { return d.readyCh }

// Loading сообщает, что списки ещё загружаются.
func (d *Directory) Loading() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return !d.ready
}

// Users возвращает пользователей, подходящих под запрос: подстрока имени,
// отображаемого имени, почты или uid без учёта регистра.
func (d *Directory) Users(query string) []model.User {
	d.mu.RLock()
	defer d.mu.RUnlock()

	q := strings.ToLower(strings.TrimSpace(query))
	res := make([]model.User, 0, len(d.users))
	for _, u := range d.users {
		if q == "" || containsAny(q, u.Name, u.DisplayName, u.Email, u.UID) {
			res = append(res, u)
		}
	}
	return res
}

// User возвращает пользователя из живой модели.
func (d *Directory) User(uid string) (model.User, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, u := range d.users {
		if u.UID == uid {
			return u, true
		}
	}
	return model.User{}, false
}

// Redemptions возвращает записи обменов, новые первыми.
func (d *Directory) Redemptions(f RedemptionFilter) []model.RedemptionRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make(map[string]model.User, len(d.users))
	for _, u := range d.users {
		names[u.UID] = u
	}

	q := strings.ToLower(strings.TrimSpace(f.Query))
	res := make([]model.RedemptionRecord, 0, len(d.redemptions))
	for _, r := range d.redemptions {
		if f.Status != "" && r.EffectiveStatus() != f.Status {
			continue
		}
		if f.UserID != "" && r.UserID != f.UserID {
			continue
		}
		if q != "" {
			u := names[r.UserID]
			if !containsAny(q, u.Name, u.DisplayName, u.Email, r.VerificationCode) {
				continue
			}
		}
		res = append(res, r)
	}
	return res
}

// Stats возвращает сводку по пользователям и обменам.
func (d *Directory) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	s := Stats{Users: len(d.users), Redemptions: len(d.redemptions)}
	for _, r := range d.redemptions {
		if r.EffectiveStatus() == model.RedemptionCollected {
			s.Collected++
		} else {
			s.Pending++
		}
	}
	return s
}

func containsAny(q string, fields ...string) bool {
	for _, f := range fields {
		if f != "" && strings.Contains(strings.ToLower(f), q) {
			return true
		}
	}
	return false
}

func recordPath(uid, id string) string {
	return realtime.Join(redemptionsPath, uid, id)
}

// MarkCollected отмечает выдачу товара. Переход pending → collected необратим.
func (d *Directory) MarkCollected(ctx context.Context, uid, id string) error {
	if uid == "" || id == "" {
		return ErrNotFound
	}
	snap, err := d.store.Get(ctx, recordPath(uid, id))
	if err != nil {
		return fmt.Errorf("get redemption: %w", err)
	}
	if !snap.Exists() {
		return ErrNotFound
	}
	if model.RedemptionStatus(snap.Child("status").String()) == model.RedemptionCollected {
		return ErrAlreadyCollected
	}

	if err := d.store.Set(ctx, realtime.Join(recordPath(uid, id), "status"), string(model.RedemptionCollected)); err != nil {
		return fmt.Errorf("mark collected: %w", err)
	}
	d.logger.Info("redemption collected", zap.String("uid", uid), zap.String("record", id))
	return nil
}

// SetUserPoints задаёт счётчик баллов пользователя. Отображаемый баланс не
// опустится ниже вычисленного по истории.
func (d *Directory) SetUserPoints(ctx context.Context, uid string, points int64) error {
	if points < 0 {
		return ErrInvalidPoints
	}
	if err := d.requireUser(ctx, uid); err != nil {
		return err
	}
	if err := d.store.Set(ctx, realtime.Join(usersPath, uid, "points"), points); err != nil {
		return fmt.Errorf("set points: %w", err)
	}
	d.logger.Info("user points set", zap.String("uid", uid), zap.Int64("points", points))
	return nil
}

// SetUserCard меняет карту пользователя; пустое значение отвязывает карту.
func (d *Directory) SetUserCard(ctx context.Context, uid, card string) error {
	if err := d.requireUser(ctx, uid); err != nil {
		return err
	}
	prev, err := rfid.Current(ctx, d.store, uid)
	if err != nil {
		return err
	}
	return rfid.Relink(ctx, d.store, uid, prev, card)
}

// DeleteUser удаляет профиль пользователя вместе с записью индекса его карты.
// История сбросов и обменов остаётся.
func (d *Directory) DeleteUser(ctx context.Context, uid string) error {
	if err := d.requireUser(ctx, uid); err != nil {
		return err
	}
	if err := rfid.Unlink(ctx, d.store, uid); err != nil {
		return err
	}
	if err := d.store.Remove(ctx, realtime.Join(usersPath, uid)); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	d.logger.Info("user deleted", zap.String("uid", uid))
	return nil
}

func (d *Directory) requireUser(ctx context.Context, uid string) error {
	if uid == "" {
		return ErrNotFound
	}
	snap, err := d.store.Get(ctx, realtime.Join(usersPath, uid))
	if err != nil {
		return fmt.Errorf("get user: %w", err)
	}
	if !snap.Exists() {
		return ErrNotFound
	}
	return nil
}
