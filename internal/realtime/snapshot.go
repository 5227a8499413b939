package realtime

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Snapshot — неизменяемое значение узла на момент чтения или доставки.
type Snapshot struct {
	path  string
	value any
}

// NewSnapshot создаёт снимок из значения в древовидном представлении.
func NewSnapshot(path string, value any) Snapshot {
	return Snapshot{path: Join(path), value: value}
}

// Path возвращает путь узла.
func (s Snapshot) Path() string { return s.path }

// Key возвращает последний сегмент пути.
func (s Snapshot) Key() string {
	parts := Split(s.path)
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}

// Exists сообщает, есть ли значение в узле.
func (s Snapshot) Exists() bool { return s.value != nil }

// Value возвращает значение узла: map[string]any, json.Number, string, bool или nil.
func (s Snapshot) Value() any { return s.value }

// Decode заполняет dst значением узла по правилам encoding/json.
// Для отсутствующего узла dst не изменяется.
func (s Snapshot) Decode(dst any) error {
	if s.value == nil {
		return nil
	}
	raw, err := json.Marshal(s.value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", s.path, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode %s: %w", s.path, err)
	}
	return nil
}

// Child возвращает снимок дочернего узла.
func (s Snapshot) Child(key string) Snapshot {
	path := Join(s.path, key)
	m, ok := s.value.(map[string]any)
	if !ok {
		return Snapshot{path: path}
	}
	return Snapshot{path: path, value: m[key]}
}

// Children возвращает дочерние узлы, упорядоченные по ключу.
func (s Snapshot) Children() []Snapshot {
	m, ok := s.value.(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	res := make([]Snapshot, 0, len(keys))
	for _, k := range keys {
		res = append(res, Snapshot{path: Join(s.path, k), value: m[k]})
	}
	return res
}

// Int возвращает целочисленное значение узла или 0, если узел пуст или не число.
// Дробные значения усекаются.
func (s Snapshot) Int() int64 {
	switch v := s.value.(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
		if f, err := v.Float64(); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return int64(f)
		}
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

// String возвращает строковое значение узла; числа возвращаются в текстовой записи.
func (s Snapshot) String() string {
	switch v := s.value.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	}
	return ""
}

// Bool возвращает true только для булева значения true.
func (s Snapshot) Bool() bool {
	v, ok := s.value.(bool)
	return ok && v
}
