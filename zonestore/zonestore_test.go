package zonestore

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"pendingdns/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(store.NewFromClient(rdb))
}

func TestAddResolveDelete(t *testing.T) {
	ctx := context.Background()
	zs := newTestStore(t)

	id, err := zs.Add(ctx, "example.com", "www", TypeA, []interface{}{"1.2.3.4", nil}, 0)
	require.NoError(t, err)
	require.NotNil(t, id)

	rows, found, err := zs.Resolve(ctx, "www.example.com", TypeA, false)
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, rows, 1)
	require.Equal(t, "1.2.3.4", rows[0].Value[0])
	require.Equal(t, "example.com", rows[0].Zone)
	require.Equal(t, "www", rows[0].Subdomain)

	ok, err := zs.Delete(ctx, "example.com", *id)
	require.NoError(t, err)
	require.True(t, ok)

	_, found, err = zs.Resolve(ctx, "www.example.com", TypeA, false)
	require.NoError(t, err)
	require.False(t, found)
}

func TestWildcardFallback(t *testing.T) {
	ctx := context.Background()
	zs := newTestStore(t)

	_, err := zs.Add(ctx, "example.com", "*.test", TypeCNAME, []interface{}{"example.com"}, 0)
	require.NoError(t, err)

	rows, found, err := zs.Resolve(ctx, "sub.test.example.com", TypeCNAME, false)
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, rows, 1)
	require.Equal(t, "*.test.example.com", rows[0].Wildcard)

	_, err = zs.Add(ctx, "example.com", "test", TypeCNAME, []interface{}{"other.com"}, 0)
	require.NoError(t, err)

	rows, found, err = zs.Resolve(ctx, "test.example.com", TypeCNAME, false)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "", rows[0].Wildcard)
	require.Equal(t, "other.com", rows[0].Value[0])
}

func TestListOrdering(t *testing.T) {
	ctx := context.Background()
	zs := newTestStore(t)

	_, err := zs.Add(ctx, "example.com", "", TypeMX, []interface{}{"mx1", 10}, 0)
	require.NoError(t, err)
	_, err = zs.Add(ctx, "example.com", "", TypeMX, []interface{}{"mx2", 1}, 0)
	require.NoError(t, err)
	_, err = zs.Add(ctx, "example.com", "www", TypeA, []interface{}{"1.1.1.1", nil}, 0)
	require.NoError(t, err)

	rows, err := zs.List(ctx, "example.com")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, TypeA, rows[0].Type)
	require.Equal(t, TypeMX, rows[1].Type)
	require.Equal(t, TypeMX, rows[2].Type)
}

func TestUpdateSameNameOverwritesHid(t *testing.T) {
	ctx := context.Background()
	zs := newTestStore(t)

	id, err := zs.Add(ctx, "example.com", "www", TypeA, []interface{}{"1.1.1.1", nil}, 0)
	require.NoError(t, err)

	newID, err := zs.Update(ctx, "example.com", *id, "www", TypeA, []interface{}{"2.2.2.2", nil})
	require.NoError(t, err)
	require.Equal(t, *id, *newID)

	rows, found, err := zs.Resolve(ctx, "www.example.com", TypeA, false)
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, rows, 1)
	require.Equal(t, "2.2.2.2", rows[0].Value[0])
}

func TestDeleteByDomain(t *testing.T) {
	ctx := context.Background()
	zs := newTestStore(t)

	_, err := zs.Add(ctx, "example.com", "www", TypeTXT, []interface{}{"v1"}, 0)
	require.NoError(t, err)
	_, err = zs.Add(ctx, "example.com", "www", TypeTXT, []interface{}{"v2"}, 0)
	require.NoError(t, err)

	n, err := zs.DeleteByDomain(ctx, "www.example.com", TypeTXT, []interface{}{"v1"})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	rows, found, err := zs.Resolve(ctx, "www.example.com", TypeTXT, false)
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, rows, 1)
	require.Equal(t, "v2", rows[0].Value[0])
}

func TestResolveZoneTwoLabelTLD(t *testing.T) {
	ctx := context.Background()
	zs := newTestStore(t)

	_, err := zs.Add(ctx, "example.co.uk", "www", TypeA, []interface{}{"9.9.9.9", nil}, 0)
	require.NoError(t, err)

	zone, found, err := zs.ResolveZone(ctx, "www.example.co.uk")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "example.co.uk", zone)
}

func TestHealthAttachedAfterTransition(t *testing.T) {
	ctx := context.Background()
	zs := newTestStore(t)

	id, err := zs.Add(ctx, "example.com", "www", TypeA, []interface{}{"1.1.1.1", "tcp://127.0.0.1:1"}, 0)
	require.NoError(t, err)

	member := healthMember("example.com", *id)
	require.NoError(t, zs.ks.HSet(ctx, healthResultKey, member, `{"status":false,"error":"connection refused"}`))

	rows, found, err := zs.Resolve(ctx, "www.example.com", TypeA, false)
	require.NoError(t, err)
	require.True(t, found)
	require.NotNil(t, rows[0].Health)
	require.False(t, rows[0].Health.Status)
}

func TestFormatValue(t *testing.T) {
	rr := RR{Type: TypeMX, Value: []interface{}{"mx1", 10}}
	v := FormatValue(rr)
	require.Equal(t, "mx1", v["exchange"])
	require.Equal(t, 10, v["priority"])
}

func TestParseIDRoundTrip(t *testing.T) {
	id := BuildID("www.example.com", TypeA, "abcd1234")
	name, typ, hid, ok := ParseID(id)
	require.True(t, ok)
	require.Equal(t, "www.example.com", name)
	require.Equal(t, TypeA, typ)
	require.Equal(t, "abcd1234", hid)
}
