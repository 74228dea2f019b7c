package certmgr

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"pendingdns/store"
	"pendingdns/zonestore"
)

func newTestManager(t *testing.T) (*Manager, *zonestore.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ks := store.NewFromClient(rdb)
	zs := zonestore.New(ks)
	cfg := Config{Email: "ops@example.com", NSDomains: []string{"ns1.example.com"}}
	return New(ks, zs, cfg), zs
}

func TestSubdomainOf(t *testing.T) {
	require.Equal(t, "_acme-challenge", subdomainOf("_acme-challenge.example.com", "example.com"))
	require.Equal(t, "", subdomainOf("example.com", "example.com"))
	require.Equal(t, "_acme-challenge.sub", subdomainOf("_acme-challenge.sub.example.com", "example.com"))
}

func TestParentOf(t *testing.T) {
	require.Equal(t, "example.com", parentOf("sub.example.com"))
	require.Equal(t, "com", parentOf("example.com"))
}

func TestCacheKeyStableUnderReordering(t *testing.T) {
	a := cacheKey([]string{"b.com", "a.com"})
	b := cacheKey([]string{"a.com", "b.com"})
	require.Equal(t, a, b)
}

func TestAdmissibleDomainsDropsUnknownZone(t *testing.T) {
	ctx := context.Background()
	m, zs := newTestManager(t)

	_, err := zs.Add(ctx, "example.com", "", zonestore.TypeA, []interface{}{"1.2.3.4", nil}, 0)
	require.NoError(t, err)

	out := m.admissibleDomains(ctx, []string{"example.com", "nowhere.invalid"})
	require.Equal(t, []string{"example.com"}, out)
}

func TestCheckNSStatusPassesWhenNoStoredNS(t *testing.T) {
	ctx := context.Background()
	m, zs := newTestManager(t)
	_, err := zs.Add(ctx, "example.com", "", zonestore.TypeA, []interface{}{"1.2.3.4", nil}, 0)
	require.NoError(t, err)

	require.True(t, m.checkNSStatus(ctx, "example.com"))
}

func TestCheckNSStatusRejectsUnknownNS(t *testing.T) {
	ctx := context.Background()
	m, zs := newTestManager(t)
	_, err := zs.Add(ctx, "example.com", "", zonestore.TypeNS, []interface{}{"ns9.rogue.test"}, 0)
	require.NoError(t, err)

	require.False(t, m.checkNSStatus(ctx, "example.com"))
}

func TestCertPersistAndLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	cert := &CertData{
		Key: []byte("key-pem"), Cert: []byte("cert-pem"), Chain: []byte("chain-pem"),
		ValidFrom: time.Now().Add(-time.Hour), Expires: time.Now().Add(60 * 24 * time.Hour),
		DNSNames: []string{"example.com", "*.example.com"}, Issuer: "Fake CA",
		LastCheck: time.Now(), Created: time.Now(), Status: "valid",
	}
	key := cacheKey(cert.DNSNames)
	require.NoError(t, m.persist(ctx, key, cert))

	loaded, ok, err := m.loadCached(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, cert.Issuer, loaded.Issuer)
	require.Equal(t, cert.DNSNames, loaded.DNSNames)
	require.WithinDuration(t, cert.Expires, loaded.Expires, time.Second)
}

func TestAcquireLockExclusive(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	ok, err := m.acquireLock(ctx, "d:lock:test")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, m.ks.Del(ctx, "d:lock:test"))
}
