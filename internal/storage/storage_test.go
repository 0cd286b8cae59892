package storage

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestPutGetRoundTrip(t *testing.T) {
	s := New(t.TempDir())

	in := doc{Name: "a", Count: 3}
	require.NoError(t, s.Put([]string{"sessions", "s1"}, in))

	var out doc
	require.NoError(t, s.Get([]string{"sessions", "s1"}, &out))
	assert.Equal(t, in, out)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := New(t.TempDir())
	var out doc
	err := s.Get([]string{"nope"}, &out)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutOverwrites(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, s.Put([]string{"k"}, doc{Name: "old"}))
	require.NoError(t, s.Put([]string{"k"}, doc{Name: "new"}))

	var out doc
	require.NoError(t, s.Get([]string{"k"}, &out))
	assert.Equal(t, "new", out.Name)
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, s.Put([]string{"k"}, doc{}))
	require.NoError(t, s.Delete([]string{"k"}))
	require.NoError(t, s.Delete([]string{"k"}))
	assert.False(t, s.Exists([]string{"k"}))
}

func TestListAndScan(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, s.Put([]string{"sessions", "a"}, doc{Name: "a"}))
	require.NoError(t, s.Put([]string{"sessions", "b"}, doc{Name: "b"}))

	keys, err := s.List([]string{"sessions"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, keys)

	seen := map[string]string{}
	err = s.Scan([]string{"sessions"}, func(key string, data json.RawMessage) error {
		var d doc
		require.NoError(t, json.Unmarshal(data, &d))
		seen[key] = d.Name
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "a", "b": "b"}, seen)
}

func TestScanMissingDirIsEmpty(t *testing.T) {
	s := New(t.TempDir())
	err := s.Scan([]string{"none"}, func(key string, data json.RawMessage) error {
		t.Fatal("unexpected item")
		return nil
	})
	assert.NoError(t, err)
}
