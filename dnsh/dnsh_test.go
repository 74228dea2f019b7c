package dnsh

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/miekg/dns"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"pendingdns/resolver"
	"pendingdns/store"
	"pendingdns/zonestore"
)

const testHealthResultKey = "d:health:r"

func newTestHandler(t *testing.T, cfg Config) (*Handler, *zonestore.Store, *store.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ks := store.NewFromClient(rdb)
	zs := zonestore.New(ks)
	cer := resolver.New(ks, nil)
	return New(zs, cer, cfg), zs, ks
}

func baseConfig() Config {
	return Config{
		TTL: 300,
		NS: []NS{
			{Domain: "ns1.example.com", IP: "203.0.113.1"},
		},
		SOA: SOA{Admin: "admin@example.com", Serial: 1, Refresh: 900, Retry: 900, Expiration: 1800, Minimum: 60},
	}
}

func query(name string, qtype uint16) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	return m
}

func TestHandleSimpleA(t *testing.T) {
	ctx := context.Background()
	h, zs, _ := newTestHandler(t, baseConfig())

	_, err := zs.Add(ctx, "example.com", "", zonestore.TypeA, []interface{}{"1.2.3.4", nil}, 0)
	require.NoError(t, err)

	resp := h.Handle(ctx, query("example.com", dns.TypeA), "udp")
	require.Len(t, resp.Answer, 1)
	a, ok := resp.Answer[0].(*dns.A)
	require.True(t, ok)
	require.Equal(t, "1.2.3.4", a.A.String())
}

func TestHandleCNAMEChase(t *testing.T) {
	ctx := context.Background()
	h, zs, _ := newTestHandler(t, baseConfig())

	_, err := zs.Add(ctx, "example.com", "", zonestore.TypeA, []interface{}{"1.2.3.4", nil}, 0)
	require.NoError(t, err)
	_, err = zs.Add(ctx, "example.com", "www", zonestore.TypeCNAME, []interface{}{"@"}, 0)
	require.NoError(t, err)

	resp := h.Handle(ctx, query("www.example.com", dns.TypeA), "udp")
	require.Len(t, resp.Answer, 2)
	_, isCNAME := resp.Answer[0].(*dns.CNAME)
	require.True(t, isCNAME)
	a, isA := resp.Answer[1].(*dns.A)
	require.True(t, isA)
	require.Equal(t, "1.2.3.4", a.A.String())
}

func TestHandleWildcardAnswersUnderQueriedName(t *testing.T) {
	ctx := context.Background()
	h, zs, _ := newTestHandler(t, baseConfig())

	_, err := zs.Add(ctx, "example.com", "*.test", zonestore.TypeCNAME, []interface{}{"example.com"}, 0)
	require.NoError(t, err)

	resp := h.Handle(ctx, query("sub.test.example.com", dns.TypeCNAME), "udp")
	require.Len(t, resp.Answer, 1)
	cname, ok := resp.Answer[0].(*dns.CNAME)
	require.True(t, ok)
	require.Equal(t, "sub.test.example.com.", cname.Hdr.Name)
}

func TestHandleMXOrdering(t *testing.T) {
	ctx := context.Background()
	h, zs, _ := newTestHandler(t, baseConfig())

	_, err := zs.Add(ctx, "example.com", "", zonestore.TypeMX, []interface{}{"mx1", float64(10)}, 0)
	require.NoError(t, err)
	_, err = zs.Add(ctx, "example.com", "", zonestore.TypeMX, []interface{}{"mx2", float64(1)}, 0)
	require.NoError(t, err)

	resp := h.Handle(ctx, query("example.com", dns.TypeMX), "udp")
	require.Len(t, resp.Answer, 2)
	require.Equal(t, "mx2.", resp.Answer[0].(*dns.MX).Mx)
	require.Equal(t, "mx1.", resp.Answer[1].(*dns.MX).Mx)
}

func TestHandleTXTChunking(t *testing.T) {
	ctx := context.Background()
	h, zs, _ := newTestHandler(t, baseConfig())

	long := ""
	for i := 0; i < 200; i++ {
		long += "x"
	}
	_, err := zs.Add(ctx, "example.com", "", zonestore.TypeTXT, []interface{}{long}, 0)
	require.NoError(t, err)

	resp := h.Handle(ctx, query("example.com", dns.TypeTXT), "udp")
	require.Len(t, resp.Answer, 1)
	txt := resp.Answer[0].(*dns.TXT)
	require.True(t, len(txt.Txt) > 1)
	for _, chunk := range txt.Txt {
		require.LessOrEqual(t, len(chunk), 84)
	}
}

func TestHandleSynthesizedNSAndSOA(t *testing.T) {
	ctx := context.Background()
	h, _, _ := newTestHandler(t, baseConfig())

	resp := h.Handle(ctx, query("anything.example.com", dns.TypeNS), "udp")
	require.Len(t, resp.Answer, 1)
	require.Equal(t, "ns1.example.com.", resp.Answer[0].(*dns.NS).Ns)

	resp = h.Handle(ctx, query("anything.example.com", dns.TypeSOA), "udp")
	require.Len(t, resp.Answer, 1)
	soa := resp.Answer[0].(*dns.SOA)
	require.Equal(t, "ns1.example.com.", soa.Ns)
}

func TestHandleSynthesizedCAA(t *testing.T) {
	ctx := context.Background()
	h, _, _ := newTestHandler(t, baseConfig())

	resp := h.Handle(ctx, query("example.com", dns.TypeCAA), "udp")
	require.Len(t, resp.Answer, 2)
}

func TestHandleChaosRefusedWhenUnconfigured(t *testing.T) {
	ctx := context.Background()
	h, _, _ := newTestHandler(t, baseConfig())

	req := new(dns.Msg)
	req.SetQuestion("version.bind.", dns.TypeTXT)
	req.Question[0].Qclass = dns.ClassCHAOS

	resp := h.Handle(ctx, req, "udp")
	require.Equal(t, dns.RcodeRefused, resp.Rcode)
}

func TestHandleChaosAnswersWhenConfigured(t *testing.T) {
	ctx := context.Background()
	cfg := baseConfig()
	cfg.Chaos.VersionBind = "pendingdns-test"
	h, _, _ := newTestHandler(t, cfg)

	req := new(dns.Msg)
	req.SetQuestion("version.bind.", dns.TypeTXT)
	req.Question[0].Qclass = dns.ClassCHAOS

	resp := h.Handle(ctx, req, "udp")
	require.Equal(t, dns.RcodeSuccess, resp.Rcode)
	require.Len(t, resp.Answer, 1)
}

func TestHandleAllUnhealthyFailsOpen(t *testing.T) {
	ctx := context.Background()
	h, zs, ks := newTestHandler(t, baseConfig())

	id, err := zs.Add(ctx, "example.com", "down", zonestore.TypeA, []interface{}{"1.1.1.1", "tcp://127.0.0.1:1"}, 0)
	require.NoError(t, err)

	member := "com.example:" + *id
	data, err := json.Marshal(map[string]interface{}{"status": false, "error": "down"})
	require.NoError(t, err)
	require.NoError(t, ks.HSet(ctx, testHealthResultKey, member, string(data)))

	resp := h.Handle(ctx, query("down.example.com", dns.TypeA), "udp")
	require.Len(t, resp.Answer, 1)
}
