// Command pendingdns-health runs HC, the background health-checker role of
// SPEC_FULL.md §0, polling A/AAAA members and writing d:health:r.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"pendingdns/config"
	"pendingdns/errs"
	"pendingdns/health"
	"pendingdns/log"
	"pendingdns/store"
	"pendingdns/zonestore"
)

var cfgPath = flag.String("c", "", "Configuration file path")
var debugLog = flag.Bool("debug", false, "Enable debug output")

func main() {
	flag.Parse()
	log.DebugEnable(*debugLog)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal(errs.ExitCode(err), "config: %v", err)
		return
	}

	if !cfg.Health.Enabled {
		log.Info("health checker disabled, exiting")
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
		health.SetAuditLogger(zl.Sugar())
	} else {
		log.Warning("zap: %v, structured audit logging disabled", err)
	}

	zs := zonestore.New(ks)

	checkerCfg := health.DefaultConfig()
	if cfg.Health.Workers > 0 {
		checkerCfg.Workers = cfg.Health.Workers
	}
	if cfg.Health.TTL > 0 {
		checkerCfg.TTL = time.Duration(cfg.Health.TTL) * time.Second
	}
	if cfg.Health.Delay > 0 {
		checkerCfg.Delay = time.Duration(cfg.Health.Delay) * time.Second
	}

	checker := health.New(ks, zs, checkerCfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("pendingdns-health running with %d workers", checkerCfg.Workers)
	checker.Run(ctx)
}
