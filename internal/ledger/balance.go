// Package ledger вычисляет баланс пользователя из сохранённого счётчика и
// истории начислений и обменов и поддерживает счётчик в актуальном состоянии.
//
// Модель согласованности намеренно слабая: поле users/{uid}/points пишут
// сверяющий компонент (только вверх), оркестратор обменов (списание) и
// администратор (ручная правка). Блокировок нет; отображаемый баланс всегда
// max(счётчик, вычисленный баланс).
package ledger

import (
	"time"

	"github.com/mmeshcher/droppoint/internal/model"
)

// secondsThreshold отделяет метки времени в секундах от меток в миллисекундах.
// Значения меньше 10^12 мс соответствуют датам до сентября 2001 года.
const secondsThreshold = 1_000_000_000_000

// Balance — состояние баланса пользователя.
type Balance struct {
	// Stored — значение счётчика users/{uid}/points.
	Stored int64 `json:"stored"`
	// Earned — сумма баллов за все сбросы.
	Earned int64 `json:"earned"`
	// Spent — сумма баллов во всех обменах.
	Spent int64 `json:"spent"`
	// Computed — max(0, Earned-Spent).
	Computed int64 `json:"computed"`
	// Authoritative — max(Stored, Computed), баланс для показа и проверки обмена.
	Authoritative int64 `json:"points"`
	// EarnedToday — баллы за сбросы с локальной полуночи.
	EarnedToday int64 `json:"earnedToday"`
	// Ready — все источники прислали данные либо истёк таймаут загрузки.
	Ready bool `json:"ready"`
}

// ComputedBalance возвращает баланс по истории, не меньше нуля.
func ComputedBalance(earned, spent int64) int64 {
	return max(0, earned-spent)
}

// AuthoritativeBalance объединяет счётчик с вычисленным балансом.
func AuthoritativeBalance(stored, computed int64) int64 {
	return max(stored, computed)
}

// NormalizeTimestamp переводит метку времени сброса в миллисекунды.
// Устройство пишет то секунды, то миллисекунды; различаем по величине.
func NormalizeTimestamp(ts int64) int64 {
	if ts < secondsThreshold {
		return ts * 1000
	}
	return ts
}

// StartOfDay возвращает локальную полночь дня, в который попадает t.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// EarnedSince суммирует баллы сбросов, произошедших не раньше since.
func EarnedSince(events []model.DisposalEvent, since time.Time) int64 {
	bound := since.UnixMilli()

	var sum int64
	for _, e := range events {
		if NormalizeTimestamp(e.Timestamp) >= bound {
			sum += e.Points
		}
	}
	return sum
}

// Totals суммирует баллы сбросов.
func Totals(events []model.DisposalEvent) int64 {
	var sum int64
	for _, e := range events {
		sum += e.Points
	}
	return sum
}

// Compute собирает Balance из исходных значений на момент now.
func Compute(stored int64, events []model.DisposalEvent, spent int64, now time.Time) Balance {
	earned := Totals(events)
	computed := ComputedBalance(earned, spent)
	return Balance{
		Stored:        stored,
		Earned:        earned,
		Spent:         spent,
		Computed:      computed,
		Authoritative: AuthoritativeBalance(stored, computed),
		EarnedToday:   EarnedSince(events, StartOfDay(now)),
	}
}
