package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryAccounts — учётные записи в памяти процесса.
type MemoryAccounts struct {
	mu      sync.RWMutex
	byEmail map[string]Account
}

// NewMemoryAccounts создаёт пустое хранилище учётных записей.
func NewMemoryAccounts() *MemoryAccounts {
	return &MemoryAccounts{byEmail: make(map[string]Account)}
}

// CreateAccount создаёт учётную запись со случайным uid.
func (m *MemoryAccounts) CreateAccount(_ context.Context, email string, passwordHash []byte) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byEmail[email]; ok {
		return Account{}, ErrAccountExists
	}
	acc := Account{
		UID:          uuid.NewString(),
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now(),
	}
	m.byEmail[email] = acc
	return acc, nil
}

// AccountByEmail ищет учётную запись по адресу.
func (m *MemoryAccounts) AccountByEmail(_ context.Context, email string) (Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acc, ok := m.byEmail[email]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return acc, nil
}
