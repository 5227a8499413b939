// Package service связывает компоненты DropPoint с сеансами пользователей.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/droppoint/internal/cardlink"
	"github.com/mmeshcher/droppoint/internal/catalog"
	"github.com/mmeshcher/droppoint/internal/directory"
	"github.com/mmeshcher/droppoint/internal/ledger"
	"github.com/mmeshcher/droppoint/internal/model"
	"github.com/mmeshcher/droppoint/internal/realtime"
	"github.com/mmeshcher/droppoint/internal/redemption"
	"github.com/mmeshcher/droppoint/internal/session"
)

// ErrClosed возвращается после Close.
var ErrClosed = errors.New("service closed")

const loadCardTimeout = 10 * time.Second

// Options задаёт таймауты компонентов.
type Options struct {
	LoadingTimeout time.Duration
	LinkTimeout    time.Duration
}

// client — компоненты, привязанные к сеансу одного пользователя.
type client struct {
	reconciler *ledger.Reconciler
	linker     *cardlink.Linker
}

func (c *client) close() {
	c.linker.Close()
	c.reconciler.Close()
}

// Service содержит бизнес-логику сервиса DropPoint.
type Service struct {
	store        realtime.Store
	sessions     *session.Provider
	catalog      *catalog.Catalog
	directory    *directory.Directory
	orchestrator *redemption.Orchestrator
	logger       *zap.Logger
	opts         Options

	mu      sync.Mutex
	clients map[string]*client
	closed  bool
}

// NewService создаёт сервис и запускает каталог и справочник администратора.
// Компоненты пользователя создаются при входе и останавливаются при выходе.
func NewService(store realtime.Store, sessions *session.Provider, logger *zap.Logger, opts Options) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.LoadingTimeout <= 0 {
		opts.LoadingTimeout = ledger.DefaultReadyTimeout
	}
	if opts.LinkTimeout <= 0 {
		opts.LinkTimeout = cardlink.DefaultTimeout
	}

	s := &Service{
		store:        store,
		sessions:     sessions,
		catalog:      catalog.New(store, logger, opts.LoadingTimeout),
		directory:    directory.New(store, logger, opts.LoadingTimeout),
		orchestrator: redemption.NewOrchestrator(store, redemption.WithLogger(logger)),
		logger:       logger,
		opts:         opts,
		clients:      make(map[string]*client),
	}

	sessions.OnChange(s.onSession)
	s.catalog.Start()
	s.directory.Start()
	return s
}

func (s *Service) onSession(ev session.Event) {
	if !ev.SignedIn {
		s.detach(ev.UID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), loadCardTimeout)
	defer cancel()
	if _, err := s.clientFor(ctx, ev.UID); err != nil {
		s.logger.Warn("attach client failed", zap.String("uid", ev.UID), zap.Error(err))
	}
}

// clientFor возвращает компоненты пользователя, создавая их при необходимости:
// cookie переживает перезапуск процесса, а реестр — нет.
func (s *Service) clientFor(ctx context.Context, uid string) (*client, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if c, ok := s.clients[uid]; ok {
		s.mu.Unlock()
		return c, nil
	}

	c := &client{
		reconciler: ledger.NewReconciler(s.store, uid,
			ledger.WithLogger(s.logger),
			ledger.WithReadyTimeout(s.opts.LoadingTimeout),
		),
		linker: cardlink.NewLinker(s.store, uid, s.logger, s.opts.LinkTimeout),
	}
	s.clients[uid] = c
	c.reconciler.Start()
	s.mu.Unlock()

	if err := c.linker.Load(ctx); err != nil {
		s.logger.Warn("load rfid card failed", zap.String("uid", uid), zap.Error(err))
	}
	return c, nil
}

func (s *Service) detach(uid string) {
	s.mu.Lock()
	c, ok := s.clients[uid]
	delete(s.clients, uid)
	s.mu.Unlock()

	if ok {
		c.close()
	}
}

// Close останавливает компоненты всех пользователей, каталог и справочник.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	clients := s.clients
	s.clients = make(map[string]*client)
	s.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	s.catalog.Close()
	s.directory.Close()
	return nil
}

func waitReady(ctx context.Context, ready <-chan struct{}) error {
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RegisterUser регистрирует пользователя и открывает его сеанс.
func (s *Service) RegisterUser(ctx context.Context, email, password, name string) (session.Identity, error) {
	return s.sessions.Signup(ctx, email, password, name)
}

// AuthenticateUser проверяет почту и пароль и открывает сеанс.
func (s *Service) AuthenticateUser(ctx context.Context, email, password string) (session.Identity, error) {
	return s.sessions.Login(ctx, email, password)
}

// Logout закрывает сеанс пользователя.
func (s *Service) Logout(uid string) {
	s.sessions.Logout(uid)
}

// CurrentUser возвращает пользователя сеанса.
func (s *Service) CurrentUser(ctx context.Context, uid string) (session.Identity, error) {
	return s.sessions.Current(ctx, uid)
}

// IsAdmin сообщает, есть ли у пользователя права администратора.
func (s *Service) IsAdmin(ctx context.Context, uid string) (bool, error) {
	return s.sessions.IsAdmin(ctx, uid)
}

// GetBalance возвращает баланс пользователя, дождавшись загрузки источников.
func (s *Service) GetBalance(ctx context.Context, uid string) (ledger.Balance, error) {
	c, err := s.clientFor(ctx, uid)
	if err != nil {
		return ledger.Balance{}, err
	}
	if err := c.reconciler.WaitReady(ctx); err != nil {
		return ledger.Balance{}, err
	}
	return c.reconciler.Balance(), nil
}

// GetRedemptions возвращает историю обменов пользователя, новые первыми.
func (s *Service) GetRedemptions(ctx context.Context, uid string) ([]model.RedemptionRecord, error) {
	snap, err := s.store.Get(ctx, ledger.RedemptionsPath(uid))
	if err != nil {
		return nil, fmt.Errorf("get redemptions: %w", err)
	}
	return directory.Records(snap), nil
}

// GetItems возвращает товары каталога.
func (s *Service) GetItems(ctx context.Context) ([]model.StoreItem, error) {
	if err := waitReady(ctx, s.catalog.Ready()); err != nil {
		return nil, err
	}
	return s.catalog.Items(), nil
}

// Redeem обменивает баллы пользователя на товар. Товар перечитывается из
// хранилища, чтобы проверка остатка не опиралась на устаревший список.
func (s *Service) Redeem(ctx context.Context, uid, itemID string) (*redemption.Receipt, error) {
	item, err := s.catalog.Lookup(ctx, itemID)
	if err != nil {
		return nil, err
	}

	c, err := s.clientFor(ctx, uid)
	if err != nil {
		return nil, err
	}
	// списывать можно только по полностью загруженной истории
	waitCtx, cancel := context.WithTimeout(ctx, s.opts.LoadingTimeout)
	err = c.reconciler.WaitLoaded(waitCtx)
	cancel()
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	return s.orchestrator.Redeem(ctx, uid, c.reconciler, item)
}

// StartCardLink запрашивает у устройства привязку карты.
func (s *Service) StartCardLink(ctx context.Context, uid string) (cardlink.Status, error) {
	c, err := s.clientFor(ctx, uid)
	if err != nil {
		return cardlink.Status{}, err
	}
	if err := c.linker.Start(ctx); err != nil {
		return cardlink.Status{}, err
	}
	return c.linker.Status(), nil
}

// CardLinkStatus возвращает состояние привязки карты.
func (s *Service) CardLinkStatus(ctx context.Context, uid string) (cardlink.Status, error) {
	c, err := s.clientFor(ctx, uid)
	if err != nil {
		return cardlink.Status{}, err
	}
	return c.linker.Status(), nil
}

// CancelCardLink отменяет ожидание карты.
func (s *Service) CancelCardLink(ctx context.Context, uid string) (cardlink.Status, error) {
	c, err := s.clientFor(ctx, uid)
	if err != nil {
		return cardlink.Status{}, err
	}
	c.linker.Cancel()
	return c.linker.Status(), nil
}

// CreateItem добавляет товар в каталог.
func (s *Service) CreateItem(ctx context.Context, item model.StoreItem) (string, error) {
	return s.catalog.CreateItem(ctx, item)
}

// UpdateItem заменяет товар каталога.
func (s *Service) UpdateItem(ctx context.Context, id string, item model.StoreItem) error {
	return s.catalog.UpdateItem(ctx, id, item)
}

// DeleteItem удаляет товар каталога.
func (s *Service) DeleteItem(ctx context.Context, id string) error {
	return s.catalog.DeleteItem(ctx, id)
}

// SetStock задаёт остаток товара.
func (s *Service) SetStock(ctx context.Context, id string, stock model.Stock) error {
	return s.catalog.SetStock(ctx, id, stock)
}

// GetUsers ищет пользователей по имени, почте или uid.
func (s *Service) GetUsers(ctx context.Context, query string) ([]model.User, error) {
	if err := waitReady(ctx, s.directory.Ready()); err != nil {
		return nil, err
	}
	return s.directory.Users(query), nil
}

// SetUserPoints задаёт счётчик баллов пользователя.
func (s *Service) SetUserPoints(ctx context.Context, uid string, points int64) error {
	return s.directory.SetUserPoints(ctx, uid, points)
}

// SetUserCard привязывает карту к пользователю.
func (s *Service) SetUserCard(ctx context.Context, uid, card string) error {
	return s.directory.SetUserCard(ctx, uid, card)
}

// DeleteUser удаляет профиль пользователя и останавливает его компоненты.
func (s *Service) DeleteUser(ctx context.Context, uid string) error {
	if err := s.directory.DeleteUser(ctx, uid); err != nil {
		return err
	}
	s.detach(uid)
	return nil
}

// GetAllRedemptions возвращает обмены всех пользователей по фильтру.
func (s *Service) GetAllRedemptions(ctx context.Context, f directory.RedemptionFilter) ([]model.RedemptionRecord, error) {
	if err := waitReady(ctx, s.directory.Ready()); err != nil {
		return nil, err
	}
	return s.directory.Redemptions(f), nil
}

// MarkCollected отмечает выдачу товара.
func (s *Service) MarkCollected(ctx context.Context, uid, id string) error {
	return s.directory.MarkCollected(ctx, uid, id)
}

// GetStats возвращает сводку для панели администратора.
func (s *Service) GetStats(ctx context.Context) (directory.Stats, error) {
	if err := waitReady(ctx, s.directory.Ready()); err != nil {
		return directory.Stats{}, err
	}
	return s.directory.Stats(), nil
}
