package realtime

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelated(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"users/u1", "users/u1", true},
		{"users", "users/u1/points", true},
		{"users/u1/points", "users", true},
		{"", "storeItems/x", true},
		{"users/u1", "users/u10", false},
		{"disposals/u1", "redemptions/u1", false},
	}

	for _, tt := range tests {
		t.Run(tt.a+"~"+tt.b, func(t *testing.T) {
			assert.Equal(t, tt.want, Related(tt.a, tt.b))
		})
	}
}

func TestFlattenAssemble(t *testing.T) {
	v, err := Normalize(map[string]any{
		"u1": map[string]any{"points": 3, "rfidUid": "AB"},
		"u2": map[string]any{"points": 4, "empty": map[string]any{}},
	})
	require.NoError(t, err)

	leaves := Flatten("users", v)
	assert.Len(t, leaves, 3)
	assert.Equal(t, json.Number("3"), leaves["users/u1/points"])

	assembled := Assemble("users", leaves)
	assert.Equal(t, v, assembled)

	assert.Equal(t, "AB", Assemble("users/u1/rfidUid", leaves))
	assert.Nil(t, Assemble("users/u3", leaves))
}

func TestSnapshotInt(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  int64
	}{
		{name: "integer", value: json.Number("42"), want: 42},
		{name: "float", value: json.Number("1.7e12"), want: 1_700_000_000_000},
		{name: "numeric string", value: "15", want: 15},
		{name: "text", value: "unlimited", want: 0},
		{name: "missing", value: nil, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NewSnapshot("x", tt.value).Int())
		})
	}
}

func TestSnapshotDecode(t *testing.T) {
	v, err := Normalize(map[string]any{"name": "Bottle", "points": 50})
	require.NoError(t, err)

	var dst struct {
		Name   string `json:"name"`
		Points int64  `json:"points"`
	}
	require.NoError(t, NewSnapshot("storeItems/i1", v).Decode(&dst))
	assert.Equal(t, "Bottle", dst.Name)
	assert.Equal(t, int64(50), dst.Points)

	require.NoError(t, NewSnapshot("storeItems/none", nil).Decode(&dst))
	assert.Equal(t, "Bottle", dst.Name)
}

func TestAncestors(t *testing.T) {
	assert.Equal(t, []string{"users", "users/u1"}, Ancestors("users/u1/points"))
	assert.Nil(t, Ancestors("users"))
	assert.Nil(t, Ancestors(""))
}

func TestParse(t *testing.T) {
	v, err := Parse([]byte(`{"a":{"b":1.5,"c":null},"d":[]}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": map[string]any{"b": json.Number("1.5")}}, v)

	_, err = Parse([]byte(`{`))
	assert.Error(t, err)
}
