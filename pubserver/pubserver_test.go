package pubserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"pendingdns/certmgr"
	"pendingdns/store"
	"pendingdns/zonestore"
)

func newTestServer(t *testing.T) (*Server, *zonestore.Store, *store.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ks := store.NewFromClient(rdb)
	zs := zonestore.New(ks)
	cm := certmgr.New(ks, zs, certmgr.Config{Email: "ops@example.com"})

	s, err := New(zs, cm, ks, Config{HTTPAddr: "127.0.0.1:0", HTTPSAddr: "127.0.0.1:0", Version: "test"})
	require.NoError(t, err)
	return s, zs, ks
}

func TestHostnameOfStripsPortAndCase(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://Example.COM:8443/", nil)
	require.Equal(t, "example.com", hostnameOf(r))
}

func TestURLRecordParsesTuple(t *testing.T) {
	rr := zonestore.RR{Value: []interface{}{"https://example.org/", float64(302), true}}
	target, code, proxy := urlRecord(rr)
	require.Equal(t, "https://example.org/", target)
	require.Equal(t, 302, code)
	require.True(t, proxy)
}

func TestURLRecordDefaultsWhenShort(t *testing.T) {
	rr := zonestore.RR{Value: []interface{}{"https://example.org/"}}
	target, code, proxy := urlRecord(rr)
	require.Equal(t, "https://example.org/", target)
	require.Equal(t, 0, code)
	require.False(t, proxy)
}

func TestHandleRequestRedirectsToURLRecord(t *testing.T) {
	s, zs, _ := newTestServer(t)
	ctx := context.Background()

	_, err := zs.Add(ctx, "example.com", "", zonestore.TypeURL,
		[]interface{}{"https://target.example/", float64(302), false}, 0)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "http://example.com/some/path", nil)
	w := httptest.NewRecorder()
	s.handleRequest(w, r)

	require.Equal(t, http.StatusFound, w.Code)
	require.Equal(t, "https://target.example/some/path", w.Header().Get("Location"))
	require.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	require.Equal(t, "PendingDNS", w.Header().Get("X-Cdn-Loop"))
}

func TestHandleRequestNotFoundWhenNoRecord(t *testing.T) {
	s, _, _ := newTestServer(t)
	r := httptest.NewRequest(http.MethodGet, "http://nowhere.example/", nil)
	w := httptest.NewRecorder()
	s.handleRequest(w, r)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleRequestRejectsLoop(t *testing.T) {
	s, _, _ := newTestServer(t)
	r := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	r.Header.Set("X-Cdn-Loop", "PendingDNS")
	w := httptest.NewRecorder()
	s.handleRequest(w, r)
	require.Equal(t, http.StatusLoopDetected, w.Code)
}

func TestLoadOrRotateTicketKeyPersistsAndReuses(t *testing.T) {
	s, _, _ := newTestServer(t)
	ctx := context.Background()

	key1, err := s.loadOrRotateTicketKey(ctx)
	require.NoError(t, err)

	key2, err := s.loadOrRotateTicketKey(ctx)
	require.NoError(t, err)

	require.Equal(t, key1, key2)
}
