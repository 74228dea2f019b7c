// Command pendingdns-api is a minimal demonstration wiring of the REST
// contract spec.md §6 names against ZS/CM — zoneStore.list/add/update/delete
// and certs.getCertificate. The REST/OpenAPI surface itself is out of
// scope; this binary exists only to show the core's Go contract is callable
// over HTTP, routed with gorilla/mux the way the teacher's core/http_server.go
// routes its own endpoints.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"pendingdns/certmgr"
	"pendingdns/config"
	"pendingdns/errs"
	"pendingdns/log"
	"pendingdns/store"
	"pendingdns/zonestore"
)

var cfgPath = flag.String("c", "", "Configuration file path")
var debugLog = flag.Bool("debug", false, "Enable debug output")

const shutdownGrace = 5 * time.Second

type api struct {
	zs *zonestore.Store
	cm *certmgr.Manager
}

func (a *api) list(w http.ResponseWriter, r *http.Request) {
	zone := mux.Vars(r)["zone"]
	rows, err := a.zs.List(r.Context(), zone)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

type addRequest struct {
	Subdomain string        `json:"subdomain"`
	Type      zonestore.Type `json:"type"`
	Value     []interface{} `json:"value"`
	TTL       int           `json:"ttl"`
}

func (a *api) add(w http.ResponseWriter, r *http.Request) {
	zone := mux.Vars(r)["zone"]
	var req addRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := a.zs.Add(r.Context(), zone, req.Subdomain, req.Type, req.Value, time.Duration(req.TTL)*time.Second)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]*string{"id": id})
}

type updateRequest struct {
	Subdomain string        `json:"subdomain"`
	Type      zonestore.Type `json:"type"`
	Value     []interface{} `json:"value"`
}

func (a *api) update(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := a.zs.Update(r.Context(), vars["zone"], vars["id"], req.Subdomain, req.Type, req.Value)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]*string{"id": id})
}

func (a *api) delete(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ok, err := a.zs.Delete(r.Context(), vars["zone"], vars["id"])
	if err != nil {
		writeErr(w, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type certRequest struct {
	Domains []string `json:"domains"`
	Force   bool     `json:"force"`
}

func (a *api) getCertificate(w http.ResponseWriter, r *http.Request) {
	var req certRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cert, err := a.cm.GetCertificate(r.Context(), req.Domains, req.Force)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cert)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errs.Is(err, errs.InputRejected) {
		status = http.StatusBadRequest
	} else if errs.Is(err, errs.NotFound) {
		status = http.StatusNotFound
	}
	http.Error(w, err.Error(), status)
}

func main() {
	flag.Parse()
	log.DebugEnable(*debugLog)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal(errs.ExitCode(err), "config: %v", err)
		return
	}
	if !cfg.API.Enabled {
		log.Info("api disabled, exiting")
		return
	}

	ks, err := store.New(store.Config{Address: cfg.Redis.Address, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	if err != nil {
		log.Fatal(errs.ExitStartupFailure, "store: %v", err)
		return
	}
	defer ks.Close()

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

	a := &api{zs: zs, cm: cm}

	r := mux.NewRouter()
	r.HandleFunc("/zones/{zone}/records", a.list).Methods(http.MethodGet)
	r.HandleFunc("/zones/{zone}/records", a.add).Methods(http.MethodPost)
	r.HandleFunc("/zones/{zone}/records/{id}", a.update).Methods(http.MethodPut)
	r.HandleFunc("/zones/{zone}/records/{id}", a.delete).Methods(http.MethodDelete)
	r.HandleFunc("/certs", a.getCertificate).Methods(http.MethodPost)

	addr := cfg.API.Host + ":" + strconv.Itoa(cfg.API.Port)
	srv := &http.Server{Addr: addr, Handler: r, ReadTimeout: 15 * time.Second, WriteTimeout: 15 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("pendingdns-api listening on %s", addr)

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown: %v", err)
		}
	case err := <-errc:
		if err != nil && err != http.ErrServerClosed {
			log.Fatal(errs.ExitUncaught, "api listener: %v", err)
		}
	}
}
