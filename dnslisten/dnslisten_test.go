package dnslisten

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/miekg/dns"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"pendingdns/dnsh"
	"pendingdns/resolver"
	"pendingdns/store"
	"pendingdns/zonestore"
)

func newTestHandler(t *testing.T) *dnsh.Handler {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ks := store.NewFromClient(rdb)
	zs := zonestore.New(ks)
	cer := resolver.New(ks, nil)

	_, err := zs.Add(context.Background(), "example.com", "", zonestore.TypeA, []interface{}{"1.2.3.4", nil}, 0)
	require.NoError(t, err)

	cfg := dnsh.Config{TTL: 300, NS: []dnsh.NS{{Domain: "ns1.example.com", IP: "203.0.113.1"}}}
	return dnsh.New(zs, cer, cfg)
}

func TestListenerServesUDP(t *testing.T) {
	handler := newTestHandler(t)
	l := New("127.0.0.1:0", handler)

	ready := make(chan struct{})
	l.udp.NotifyStartedFunc = func() { close(ready) }

	errc := make(chan error, 1)
	go func() { errc <- l.udp.ListenAndServe() }()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("udp server never became ready")
	}

	m := new(dns.Msg)
	m.SetQuestion("example.com.", dns.TypeA)

	c := new(dns.Client)
	resp, _, err := c.Exchange(m, l.udp.PacketConn.LocalAddr().String())
	require.NoError(t, err)
	require.Len(t, resp.Answer, 1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, l.udp.ShutdownContext(ctx))
	require.NoError(t, <-errc)
}

// TestListenerClosesTCPAfterOneReply pins spec.md §4.5's "connection is
// closed after one reply" rule: a second query sent down the same TCP
// connection must see the socket already gone rather than get answered.
func TestListenerClosesTCPAfterOneReply(t *testing.T) {
	handler := newTestHandler(t)
	l := New("127.0.0.1:0", handler)

	ready := make(chan struct{})
	l.tcp.NotifyStartedFunc = func() { close(ready) }

	errc := make(chan error, 1)
	go func() { errc <- l.tcp.ListenAndServe() }()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("tcp server never became ready")
	}

	addr := l.tcp.Listener.Addr().String()

	c := &dns.Client{Net: "tcp", Timeout: 2 * time.Second}
	conn, err := c.Dial(addr)
	require.NoError(t, err)
	defer conn.Close()

	m := new(dns.Msg)
	m.SetQuestion("example.com.", dns.TypeA)

	require.NoError(t, conn.WriteMsg(m))
	resp, err := conn.ReadMsg()
	require.NoError(t, err)
	require.Len(t, resp.Answer, 1)

	// Same connection, second query: the server already closed its end
	// after the first reply, so this must fail rather than be answered.
	m2 := new(dns.Msg)
	m2.SetQuestion("example.com.", dns.TypeA)
	_ = conn.WriteMsg(m2)
	_, err = conn.ReadMsg()
	require.Error(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, l.tcp.ShutdownContext(ctx))
	require.NoError(t, <-errc)
}
