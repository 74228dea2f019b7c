// Command pendingdns-public runs PS, issuing certificates through CM on
// demand as SNI callbacks need them — the "public" role of SPEC_FULL.md §0.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"pendingdns/certmgr"
	"pendingdns/config"
	"pendingdns/errs"
	"pendingdns/log"
	"pendingdns/pubserver"
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

	if zl, err := zap.NewProduction(); err == nil {
		defer zl.Sync()
		certmgr.SetAuditLogger(zl.Sugar())
	} else {
		log.Warning("zap: %v, structured audit logging disabled", err)
	}

	zs := zonestore.New(ks)

	var nsAddrs, nsDomains []string
	for _, n := range cfg.NS {
		nsDomains = append(nsDomains, n.Domain)
		nsAddrs = append(nsAddrs, n.IP+":53")
	}

	cm := certmgr.New(ks, zs, certmgr.Config{
		DirectoryURL: cfg.ACME.DirectoryURL,
		Email:        cfg.ACME.Email,
		NSAddrs:      nsAddrs,
		NSDomains:    nsDomains,
	})

	srv, err := pubserver.New(zs, cm, ks, pubserver.Config{
		HTTPAddr:  cfg.Public.HTTP.Host + ":" + strconv.Itoa(cfg.Public.HTTP.Port),
		HTTPSAddr: cfg.Public.HTTPS.Host + ":" + strconv.Itoa(cfg.Public.HTTPS.Port),
		Version:   "1.0",
	})
	if err != nil {
		log.Fatal(errs.ExitStartupFailure, "pubserver: %v", err)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("pendingdns-public listening on %s (http) and %s (https)", cfg.Public.HTTP.Host, cfg.Public.HTTPS.Host)
	srv.Start(ctx)

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown: %v", err)
	}
}
