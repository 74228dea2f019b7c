package resolver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/miekg/dns"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"pendingdns/store"
)

// startTestNS runs a minimal authoritative nameserver on loopback that
// answers a single fixed A record, returning its address.
func startTestNS(t *testing.T, answer string) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	mux := dns.NewServeMux()
	mux.HandleFunc("origin.test.", func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		if r.Question[0].Qtype == dns.TypeA {
			rr, _ := dns.NewRR("origin.test. 60 IN A " + answer)
			m.Answer = append(m.Answer, rr)
		}
		_ = w.WriteMsg(m)
	})

	srv := &dns.Server{PacketConn: pc, Handler: mux}
	go srv.ActivateAndServe()
	t.Cleanup(func() {
		srv.Shutdown()
	})
	return pc.LocalAddr().String()
}

func newTestResolver(t *testing.T, ns []string) *Resolver {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(store.NewFromClient(rdb), ns)
}

func TestResolveCachesPositiveResult(t *testing.T) {
	ctx := context.Background()
	addr := startTestNS(t, "5.6.7.8")
	r := newTestResolver(t, []string{addr})

	data, err := r.Resolve(ctx, "origin.test", "A", DefaultOptions())
	require.NoError(t, err)
	require.Equal(t, []string{"5.6.7.8"}, data)

	// Cached path: still works even if we point ns at a dead address.
	r.ns = []string{"127.0.0.1:1"}
	data, err = r.Resolve(ctx, "origin.test", "A", DefaultOptions())
	require.NoError(t, err)
	require.Equal(t, []string{"5.6.7.8"}, data)
}

func TestResolveNegativeCaching(t *testing.T) {
	ctx := context.Background()
	r := newTestResolver(t, []string{"127.0.0.1:1"})

	_, err := r.Resolve(ctx, "nowhere.test", "A", DefaultOptions())
	require.Error(t, err)

	key := cacheKey("nowhere.test", "A")
	raw, ok, err := r.ks.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, raw, `"miss":true`)
}

func TestResolveStaleFallbackOnUpstreamFailure(t *testing.T) {
	ctx := context.Background()
	addr := startTestNS(t, "1.1.1.1")
	r := newTestResolver(t, []string{addr})

	opts := DefaultOptions()
	opts.MinTTL = 1 * time.Millisecond
	_, err := r.Resolve(ctx, "origin.test", "A", opts)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	r.ns = []string{"127.0.0.1:1"}
	data, err := r.Resolve(ctx, "origin.test", "A", opts)
	require.NoError(t, err)
	require.Equal(t, []string{"1.1.1.1"}, data)
}
