// Package model содержит доменные сущности сервиса DropPoint.
package model

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// User представляет профиль пользователя в узле users/{uid}.
type User struct {
	UID         string `json:"-"`
	Email       string `json:"email"`
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Points      int64  `json:"points"`
	RfidUID     string `json:"rfidUid,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
}

// DisplayLabel возвращает имя пользователя для поиска и отображения.
func (u User) DisplayLabel() string {
	if u.Name != "" {
		return u.Name
	}
	return u.DisplayName
}

// DisposalEvent описывает сброс отходов, зафиксированный устройством.
type DisposalEvent struct {
	ID        string `json:"-"`
	Points    int64  `json:"points"`
	Timestamp int64  `json:"timestamp"`
}

// RedemptionStatus описывает статус выдачи товара.
type RedemptionStatus string

const (
	RedemptionPending   RedemptionStatus = "pending"
	RedemptionCollected RedemptionStatus = "collected"
)

// RedemptionRecord описывает обмен баллов на товар.
type RedemptionRecord struct {
	ID               string           `json:"-"`
	UserID           string           `json:"-"`
	ItemID           string           `json:"itemId"`
	ItemName         string           `json:"itemName"`
	Points           int64            `json:"points"`
	VerificationCode string           `json:"verificationCode"`
	Timestamp        int64            `json:"timestamp"`
	Status           RedemptionStatus `json:"status"`
}

// EffectiveStatus возвращает статус записи; записи без статуса считаются ожидающими.
func (r RedemptionRecord) EffectiveStatus() RedemptionStatus {
	if r.Status == "" {
		return RedemptionPending
	}
	return r.Status
}

// StoreItem описывает товар каталога.
type StoreItem struct {
	ID     string `json:"-"`
	Name   string `json:"name"`
	Points int64  `json:"points"`
	Stock  Stock  `json:"stock"`
	Icon   string `json:"icon"`
}

// StockUnlimited — значение поля stock для товара без ограничения остатка.
const StockUnlimited = "unlimited"

// Stock — остаток товара: конечное количество либо «без ограничений».
type Stock struct {
	Unlimited bool
	Count     int64
}

// UnlimitedStock возвращает неограниченный остаток.
func UnlimitedStock() Stock { return Stock{Unlimited: true} }

// CountStock возвращает конечный остаток.
func CountStock(n int64) Stock { return Stock{Count: n} }

// Exhausted сообщает, что товар закончился.
func (s Stock) Exhausted() bool {
	return !s.Unlimited && s.Count <= 0
}

// Finite сообщает, что остаток уменьшается при каждом обмене.
func (s Stock) Finite() bool { return !s.Unlimited }

// Decrement возвращает остаток после выдачи одной единицы.
func (s Stock) Decrement() Stock {
	if s.Unlimited {
		return s
	}
	return Stock{Count: s.Count - 1}
}

func (s Stock) String() string {
	if s.Unlimited {
		return StockUnlimited
	}
	return strconv.FormatInt(s.Count, 10)
}

// Value возвращает представление остатка для записи в хранилище.
func (s Stock) Value() any {
	if s.Unlimited {
		return StockUnlimited
	}
	return s.Count
}

// MarshalJSON кодирует остаток числом или строкой "unlimited".
func (s Stock) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Value())
}

// UnmarshalJSON разбирает остаток. Помимо числа и "unlimited" понимает
// старые метки: "out" — товар закончился, "in" — в наличии без учёта количества.
func (s *Stock) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = Stock{}
		return nil
	}

	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		return s.parse(text)
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("stock: %w", err)
	}
	return s.parse(n.String())
}

func (s *Stock) parse(text string) error {
	switch text {
	case StockUnlimited, "in":
		*s = UnlimitedStock()
		return nil
	case "out", "":
		*s = CountStock(0)
		return nil
	}

	if n, err := strconv.ParseInt(text, 10, 64); err == nil {
		*s = CountStock(n)
		return nil
	}
	if f, err := strconv.ParseFloat(text, 64); err == nil {
		*s = CountStock(int64(f))
		return nil
	}
	return fmt.Errorf("stock: unexpected value %q", text)
}

// LinkRequest — маркер запроса привязки карты в узле rfidLinking/{uid}.
type LinkRequest struct {
	Requested bool  `json:"requested"`
	Timestamp int64 `json:"timestamp"`
}
