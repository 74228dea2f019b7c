// Command pendingdns-dns runs DL+DH, the authoritative DNS responder role
// of SPEC_FULL.md §0 ("fork per role"). Flag handling and the startup
// banner follow the teacher's main.go (flag.String/flag.Bool, log.Fatal on
// every unrecoverable setup error).
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"pendingdns/config"
	"pendingdns/dnsh"
	"pendingdns/dnslisten"
	"pendingdns/errs"
	"pendingdns/log"
	"pendingdns/resolver"
	"pendingdns/store"
	"pendingdns/zonestore"
)

var cfgPath = flag.String("c", "", "Configuration file path")
var debugLog = flag.Bool("debug", false, "Enable debug output")

const shutdownGrace = 5 * time.Second

func main() {
	flag.Parse()
	log.DebugEnable(*debugLog)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal(errs.ExitCode(err), "config: %v", err)
		return
	}

	ks, err := store.New(store.Config{Address: cfg.Redis.Address, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	if err != nil {
		log.Fatal(errs.ExitStartupFailure, "store: %v", err)
		return
	}
	defer ks.Close()

	zs := zonestore.New(ks)
	cer := resolver.New(ks, cfg.Resolver.NS)

	var ns []dnsh.NS
	for _, n := range cfg.NS {
		ns = append(ns, dnsh.NS{Domain: n.Domain, IP: n.IP})
	}

	handler := dnsh.New(zs, cer, dnsh.Config{
		TTL: cfg.DNS.TTL,
		NS:  ns,
		SOA: dnsh.SOA{
			Admin:      cfg.SOA.Admin,
			Serial:     cfg.SOA.Serial,
			Refresh:    cfg.SOA.Refresh,
			Retry:      cfg.SOA.Retry,
			Expiration: cfg.SOA.Expiration,
			Minimum:    cfg.SOA.Minimum,
		},
		Chaos: dnsh.ChaosConfig{
			VersionBind:  cfg.Chaos.VersionBind,
			HostnameBind: cfg.Chaos.HostnameBind,
			IDServer:     cfg.Chaos.IDServer,
			AuthorsBind:  cfg.Chaos.AuthorsBind,
		},
		PublicHosts: dnsh.PublicHosts{A: cfg.Public.Hosts.A, AAAA: cfg.Public.Hosts.AAAA},
	})

	addr := cfg.DNS.Host + ":" + strconv.Itoa(cfg.DNS.Port)
	listener := dnslisten.New(addr, handler)

	log.Info("pendingdns-dns listening on %s (udp+tcp)", addr)

	errc := make(chan error, 1)
	go func() { errc <- listener.ListenAndServe() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := listener.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown: %v", err)
		}
	case err := <-errc:
		if err != nil {
			log.Fatal(errs.ExitUncaught, "listener: %v", err)
		}
	}
}
