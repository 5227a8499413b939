package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mmeshcher/droppoint/internal/session"
)

var _ session.AccountStore = (*PostgresRepository)(nil)

// CreateAccount создаёт учётную запись.
func (r *PostgresRepository) CreateAccount(ctx context.Context, email string, passwordHash []byte) (session.Account, error) {
	acc := session.Account{
		UID:          uuid.NewString(),
		Email:        email,
		PasswordHash: passwordHash,
	}

	err := r.withRetry(ctx, func() error {
		return r.pool.QueryRow(ctx,
			`INSERT INTO accounts (uid, email, password_hash) VALUES ($1, $2, $3) RETURNING created_at`,
			acc.UID, acc.Email, acc.PasswordHash,
		).Scan(&acc.CreatedAt)
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return session.Account{}, fmt.Errorf("%w: %s", session.ErrAccountExists, email)
		}
		return session.Account{}, fmt.Errorf("create account: %w", err)
	}
	return acc, nil
}

// AccountByEmail возвращает учётную запись по адресу.
func (r *PostgresRepository) AccountByEmail(ctx context.Context, email string) (session.Account, error) {
	var acc session.Account
	err := r.withRetry(ctx, func() error {
		return r.pool.QueryRow(ctx,
			`SELECT uid, email, password_hash, created_at FROM accounts WHERE email = $1`,
			email,
		).Scan(&acc.UID, &acc.Email, &acc.PasswordHash, &acc.CreatedAt)
	})
	if err != nil {
		if errNoRows(err) {
			return session.Account{}, session.ErrAccountNotFound
		}
		return session.Account{}, fmt.Errorf("get account: %w", err)
	}
	return acc, nil
}
