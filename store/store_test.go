package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewFromClient(rdb)
}

func TestGetSetDel(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Set(ctx, "k", "v", time.Minute))
	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", v)

	require.NoError(t, s.Del(ctx, "k"))
	_, ok, err = s.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHashOps(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ok, err := s.HSetNX(ctx, "h", "f1", "v1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.HSetNX(ctx, "h", "f1", "v2")
	require.NoError(t, err)
	require.False(t, ok)

	v, ok, err := s.HGet(ctx, "h", "f1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", v)

	require.NoError(t, s.HSet(ctx, "h", "f1", "v2"))
	v, _, _ = s.HGet(ctx, "h", "f1")
	require.Equal(t, "v2", v)

	n, err := s.HDel(ctx, "h", "f1")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestSetOps(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SAdd(ctx, "s", "a", "b"))
	members, err := s.SMembers(ctx, "s")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, members)

	ok, err := s.SIsMember(ctx, "s", "a")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.SRem(ctx, "s", "a"))
	ok, err = s.SIsMember(ctx, "s", "a")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPopNextDue(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	// Nothing due yet.
	_, ok, err := s.PopNextDue(ctx, "q", 100, 200)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.ZAdd(ctx, "q", 50, "target-a"))
	require.NoError(t, s.ZAdd(ctx, "q", 999, "target-b"))

	member, ok, err := s.PopNextDue(ctx, "q", 100, 5000)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "target-a", member)

	// target-a was reinserted at 5000, so it's not due again at maxScore=100.
	_, ok, err = s.PopNextDue(ctx, "q", 100, 200)
	require.NoError(t, err)
	require.False(t, ok)
}
