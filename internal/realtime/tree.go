package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Normalize приводит произвольное значение к древовидному представлению
// хранилища: объекты становятся map[string]any, числа — json.Number.
// Пустые объекты и null отбрасываются, так как пустых узлов в хранилище нет.
func Normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	return decodeTree(raw)
}

// Parse разбирает JSON в древовидное представление хранилища.
func Parse(raw []byte) (any, error) {
	return decodeTree(raw)
}

func decodeTree(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return prune(out), nil
}

func prune(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, c := range t {
			c = prune(c)
			if c == nil {
				delete(t, k)
				continue
			}
			t[k] = c
		}
		if len(t) == 0 {
			return nil
		}
		return t
	case []any:
		// массивы хранятся как объекты с числовыми ключами
		m := make(map[string]any, len(t))
		for i, c := range t {
			if c = prune(c); c != nil {
				m[fmt.Sprint(i)] = c
			}
		}
		if len(m) == 0 {
			return nil
		}
		return m
	}
	return v
}

func deepCopy(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	out := make(map[string]any, len(m))
	for k, c := range m {
		out[k] = deepCopy(c)
	}
	return out
}

func lookup(root map[string]any, parts []string) any {
	var node any = root
	for _, p := range parts {
		m, ok := node.(map[string]any)
		if !ok {
			return nil
		}
		node = m[p]
	}
	if m, ok := node.(map[string]any); ok && len(m) == 0 {
		return nil
	}
	return node
}

// setAt заменяет узел по пути; промежуточные скалярные значения заменяются объектами,
// опустевшие предки удаляются.
func setAt(node map[string]any, parts []string, v any) {
	if len(parts) == 1 {
		if v == nil {
			delete(node, parts[0])
			return
		}
		node[parts[0]] = v
		return
	}

	child, ok := node[parts[0]].(map[string]any)
	if !ok {
		if v == nil {
			return
		}
		child = make(map[string]any)
		node[parts[0]] = child
	}
	setAt(child, parts[1:], v)
	if len(child) == 0 {
		delete(node, parts[0])
	}
}

// Ancestors возвращает пути всех предков узла, от корня вниз, без самого узла.
func Ancestors(path string) []string {
	parts := Split(path)
	if len(parts) < 2 {
		return nil
	}
	out := make([]string, 0, len(parts)-1)
	for i := 1; i < len(parts); i++ {
		out = append(out, Join(parts[:i]...))
	}
	return out
}

// Flatten раскладывает значение на листья с полными путями.
func Flatten(path string, v any) map[string]any {
	out := make(map[string]any)
	flatten(Join(path), v, out)
	return out
}

func flatten(path string, v any, out map[string]any) {
	m, ok := v.(map[string]any)
	if !ok {
		if v != nil {
			out[path] = v
		}
		return
	}
	for k, c := range m {
		flatten(Join(path, k), c, out)
	}
}

// Assemble собирает значение узла path из листьев, лежащих в нём или под ним.
func Assemble(path string, leaves map[string]any) any {
	base := Split(path)
	root := make(map[string]any)
	for p, v := range leaves {
		parts := Split(p)
		if len(parts) < len(base) || !hasPrefix(parts, base) {
			continue
		}
		if len(parts) == len(base) {
			return v
		}
		setAt(root, parts[len(base):], v)
	}
	if len(root) == 0 {
		return nil
	}
	return root
}

func hasPrefix(parts, prefix []string) bool {
	for i, p := range prefix {
		if parts[i] != p {
			return false
		}
	}
	return true
}
