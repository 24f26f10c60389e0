package kvstore

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "k", "v"))
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	require.NoError(t, s.Delete(ctx, "k"))
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_PushCappedMostRecentFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for _, v := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.PushCapped(ctx, "log", v, 3))
	}
	l, err := s.List(ctx, "log")
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "c", "b"}, l)
}

func TestIncrBy_Concurrent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = IncrBy(ctx, s, KeyFailedAttempts, 1)
		}()
	}
	wg.Wait()

	n, err := GetInt64(ctx, s, KeyFailedAttempts, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(50), n)
}

// plainStore hides MemoryStore's IncrBy so the fallback path is used.
type plainStore struct{ Store }

func TestIncrBy_FallbackWithoutIncrementer(t *testing.T) {
	ctx := context.Background()
	s := plainStore{NewMemoryStore()}

	n, err := IncrBy(ctx, s, "c", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	n, err = IncrBy(ctx, s, "c", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

func TestGetInt64_Default(t *testing.T) {
	n, err := GetInt64(context.Background(), NewMemoryStore(), "nope", 42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
}

func TestGetInt64_Corrupt(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Set(ctx, "n", "abc"))
	_, err := GetInt64(ctx, s, "n", 0)
	assert.Error(t, err)
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	type rec struct {
		A int    `json:"a"`
		B string `json:"b"`
	}
	require.NoError(t, SetJSON(ctx, s, "r", rec{A: 1, B: "x"}))

	var got rec
	require.NoError(t, GetJSON(ctx, s, "r", &got))
	assert.Equal(t, rec{A: 1, B: "x"}, got)

	assert.ErrorIs(t, GetJSON(ctx, s, "absent", &got), ErrNotFound)
}

func TestMigrationFilesEmbedded(t *testing.T) {
	names, err := MigrationFiles()
	require.NoError(t, err)
	assert.Contains(t, names, "0001_create_kv.up.sql")
	assert.Contains(t, names, "0002_create_kv_list.down.sql")
}
