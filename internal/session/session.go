// Package session управляет учётными записями и сеансами пользователей:
// регистрация, вход, выход и признак администратора.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/mmeshcher/droppoint/internal/model"
	"github.com/mmeshcher/droppoint/internal/realtime"
	"github.com/mmeshcher/droppoint/internal/validation"
)

var (
	// ErrAccountExists возвращается при регистрации занятого адреса.
	ErrAccountExists = errors.New("account already exists")
	// ErrAccountNotFound возвращается хранилищем учётных записей, если адрес не найден.
	ErrAccountNotFound = errors.New("account not found")
	// ErrInvalidCredentials возвращается при неверной паре почта/пароль.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrNotAuthenticated возвращается, если сеанс отсутствует.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrInvalidSignup возвращается для некорректных данных регистрации.
	ErrInvalidSignup = errors.New("invalid signup data")
)

// Identity — пользователь текущего сеанса.
type Identity struct {
	UID   string `json:"uid"`
	Email string `json:"email"`
	Admin bool   `json:"admin"`
}

// Account — учётная запись для входа по паролю.
type Account struct {
	UID          string
	Email        string
	PasswordHash []byte
	CreatedAt    time.Time
}

// AccountStore хранит учётные записи.
type AccountStore interface {
	CreateAccount(ctx context.Context, email string, passwordHash []byte) (Account, error)
	AccountByEmail(ctx context.Context, email string) (Account, error)
}

// Event сообщает о входе или выходе пользователя.
type Event struct {
	UID      string
	SignedIn bool
}

// Provider — поставщик сеансов.
type Provider struct {
	accounts AccountStore
	store    realtime.Store
	logger   *zap.Logger
	now      func() time.Time
	cost     int

	mu        sync.Mutex
	listeners []func(Event)
}

// NewProvider создаёт поставщика сеансов. Профили пользователей пишутся в store.
func NewProvider(accounts AccountStore, store realtime.Store, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		accounts: accounts,
		store:    store,
		logger:   logger,
		now:      time.Now,
		cost:     bcrypt.DefaultCost,
	}
}

// OnChange регистрирует обработчик входа и выхода.
func (p *Provider) OnChange(fn func(Event)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

func (p *Provider) notify(ev Event) {
	p.mu.Lock()
	listeners := append([]func(Event){}, p.listeners...)
	p.mu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Signup создаёт учётную запись и профиль users/{uid} с нулевым счётчиком.
func (p *Provider) Signup(ctx context.Context, email, password, name string) (Identity, error) {
	email = normalizeEmail(email)
	if !validation.IsValidEmail(email) {
		return Identity{}, fmt.Errorf("%w: email", ErrInvalidSignup)
	}
	if !validation.IsValidPassword(password) {
		return Identity{}, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidSignup, validation.MinPasswordLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.cost)
	if err != nil {
		return Identity{}, fmt.Errorf("hash password: %w", err)
	}

	acc, err := p.accounts.CreateAccount(ctx, email, hash)
	if err != nil {
		return Identity{}, err
	}

	profile := model.User{
		Email:     email,
		Name:      strings.TrimSpace(name),
		Points:    0,
		CreatedAt: p.now().UnixMilli(),
	}
	if err := p.store.Set(ctx, realtime.Join("users", acc.UID), profile); err != nil {
		return Identity{}, fmt.Errorf("create profile: %w", err)
	}

	p.logger.Info("user signed up", zap.String("uid", acc.UID))
	id := Identity{UID: acc.UID, Email: email}
	p.notify(Event{UID: acc.UID, SignedIn: true})
	return id, nil
}

// Login проверяет пароль и открывает сеанс.
func (p *Provider) Login(ctx context.Context, email, password string) (Identity, error) {
	acc, err := p.accounts.AccountByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return Identity{}, ErrInvalidCredentials
		}
		return Identity{}, err
	}

	if err := bcrypt.CompareHashAndPassword(acc.PasswordHash, []byte(password)); err != nil {
		return Identity{}, ErrInvalidCredentials
	}

	admin, err := p.IsAdmin(ctx, acc.UID)
	if err != nil {
		return Identity{}, err
	}

	p.notify(Event{UID: acc.UID, SignedIn: true})
	return Identity{UID: acc.UID, Email: acc.Email, Admin: admin}, nil
}

// Logout закрывает сеанс пользователя.
func (p *Provider) Logout(uid string) {
	if uid == "" {
		return
	}
	p.notify(Event{UID: uid, SignedIn: false})
}

// Current возвращает пользователя сеанса по его uid.
func (p *Provider) Current(ctx context.Context, uid string) (Identity, error) {
	if uid == "" {
		return Identity{}, ErrNotAuthenticated
	}
	snap, err := p.store.Get(ctx, realtime.Join("users", uid, "email"))
	if err != nil {
		return Identity{}, fmt.Errorf("get profile: %w", err)
	}
	admin, err := p.IsAdmin(ctx, uid)
	if err != nil {
		return Identity{}, err
	}
	return Identity{UID: uid, Email: snap.String(), Admin: admin}, nil
}

// IsAdmin сообщает, отмечен ли пользователь в admins/{uid}.
func (p *Provider) IsAdmin(ctx context.Context, uid string) (bool, error) {
	snap, err := p.store.Get(ctx, realtime.Join("admins", uid))
	if err != nil {
		return false, fmt.Errorf("get admin flag: %w", err)
	}
	return snap.Bool(), nil
}
