// Package validation содержит функции валидации входных данных.
package validation

import (
	"errors"
	"net/mail"
	"strconv"
	"strings"

	"github.com/mmeshcher/droppoint/internal/model"
)

// MinPasswordLength — минимальная длина пароля при регистрации.
const MinPasswordLength = 6

var (
	// ErrInvalidPoints возвращается, если количество баллов не является целым числом.
	ErrInvalidPoints = errors.New("points must be an integer")
	// ErrInvalidStock возвращается, если остаток не является целым числом или "unlimited".
	ErrInvalidStock = errors.New(`stock must be an integer or "unlimited"`)
)

// ParsePoints разбирает количество баллов из формы.
func ParsePoints(s string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, ErrInvalidPoints
	}
	return n, nil
}

// ParseStock разбирает остаток из формы: целое число или "unlimited".
func ParseStock(s string) (model.Stock, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, model.StockUnlimited) {
		return model.UnlimitedStock(), nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return model.Stock{}, ErrInvalidStock
	}
	return model.CountStock(n), nil
}

// IsValidVerificationCode проверяет, что код состоит из восьми цифр и не начинается с нуля.
func IsValidVerificationCode(code string) bool {
	if len(code) != 8 || code[0] == '0' {
		return false
	}
	for _, ch := range code {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return true
}

// IsValidEmail проверяет адрес электронной почты.
func IsValidEmail(email string) bool {
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email
}

// IsValidPassword проверяет длину пароля.
func IsValidPassword(password string) bool {
	return len(password) >= MinPasswordLength
}
