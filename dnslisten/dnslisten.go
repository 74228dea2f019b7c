// Package dnslisten is the DNS Listener (DL) of spec.md §4.5: it owns the
// UDP and TCP sockets and turns wire messages into dnsh.Handler calls. Both
// nets are served by *dns.Server, the same pattern core.Nameserver uses for
// its single UDP listener, just grown to the pair spec.md requires.
package dnslisten

import (
	"context"
	"time"

	"github.com/miekg/dns"

	"pendingdns/dnsh"
	"pendingdns/log"
)

// queryTimeout bounds how long a single question may take to answer,
// covering the worst case of a CNAME chase into a CER lookup against a
// slow upstream.
const queryTimeout = 5 * time.Second

// idleTimeout matches spec.md §4.5's TCP connection idle limit: a client
// that opens a connection and never sends a query is dropped after 10s.
const idleTimeout = 10 * time.Second

type Listener struct {
	udp *dns.Server
	tcp *dns.Server
}

// New builds a listener bound to addr (host:port) for both transports.
// UDPSize is left at the library default (no EDNS0 advertised); dnsh.Handler
// itself enforces the classic 512-byte reply budget over UDP.
func New(addr string, handler *dnsh.Handler) *Listener {
	return &Listener{
		udp: &dns.Server{
			Addr:    addr,
			Net:     "udp",
			Handler: muxFor(handler, "udp"),
		},
		tcp: &dns.Server{
			Addr:        addr,
			Net:         "tcp",
			Handler:     muxFor(handler, "tcp"),
			ReadTimeout: idleTimeout,
			IdleTimeout: func() time.Duration { return idleTimeout },
		},
	}
}

func muxFor(handler *dnsh.Handler, proto string) dns.HandlerFunc {
	return func(w dns.ResponseWriter, r *dns.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
		defer cancel()

		resp := handler.Handle(ctx, r, proto)
		if err := w.WriteMsg(resp); err != nil {
			log.Error("dnslisten: write reply to %s over %s: %v", w.RemoteAddr(), proto, err)
		}

		// spec.md §4.5: one reply per TCP connection, standard DNS-over-TCP
		// behavior. miekg/dns's server loop otherwise keeps the connection
		// open reading further queries until idle-timeout/EOF.
		if proto == "tcp" {
			if err := w.Close(); err != nil {
				log.Error("dnslisten: close tcp connection to %s: %v", w.RemoteAddr(), err)
			}
		}
	}
}

// ListenAndServe starts both sockets and blocks until either fails.
func (l *Listener) ListenAndServe() error {
	errc := make(chan error, 2)
	go func() { errc <- l.udp.ListenAndServe() }()
	go func() { errc <- l.tcp.ListenAndServe() }()
	return <-errc
}

// Shutdown gracefully stops both sockets.
func (l *Listener) Shutdown(ctx context.Context) error {
	if err := l.udp.ShutdownContext(ctx); err != nil {
		return err
	}
	return l.tcp.ShutdownContext(ctx)
}
