// Package pubserver is the Public HTTP/HTTPS Server (PS) of spec.md §4.7: it
// serves the URL pseudo-record either as a redirect or a reverse proxy, and
// obtains its TLS certificates from certmgr on SNI.
//
// Routing is built on gorilla/mux the way the teacher's core/http_server.go
// wires its ACME-challenge and catch-all redirect routes, generalized to a
// hostname-keyed URL-record lookup. Reverse-proxy mode uses
// net/http/httputil.ReverseProxy rather than the teacher's goproxy-based MITM
// proxy (core/http_proxy.go) — goproxy exists to intercept and rewrite
// arbitrary phished HTTPS sessions, which is not what "reverse proxy to the
// URL record's origin" needs; see DESIGN.md.
package pubserver

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"html/template"
	"math/big"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"pendingdns/certmgr"
	"pendingdns/log"
	"pendingdns/store"
	"pendingdns/zonestore"
)

const (
	ticketKeyRedisKey = "d:tls:ticketkey"
	ticketKeyTTL      = 30 * time.Minute
	ticketKeyRefresh  = 5 * time.Minute

	hstsMaxAge = 180 * 24 * time.Hour
)

type Config struct {
	HTTPAddr  string
	HTTPSAddr string
	Version   string
}

type sniEntry struct {
	cert        *tls.Certificate
	fingerprint int64
}

type Server struct {
	zs  *zonestore.Store
	cm  *certmgr.Manager
	ks  *store.Store
	cfg Config

	defaultCert *tls.Certificate

	sniMu    sync.Mutex
	sniCache map[string]*sniEntry

	httpSrv  *http.Server
	httpsSrv *http.Server
}

func New(zs *zonestore.Store, cm *certmgr.Manager, ks *store.Store, cfg Config) (*Server, error) {
	defaultCert, err := generateSelfSigned("pendingdns.invalid")
	if err != nil {
		return nil, err
	}

	s := &Server{
		zs:          zs,
		cm:          cm,
		ks:          ks,
		cfg:         cfg,
		defaultCert: defaultCert,
		sniCache:    make(map[string]*sniEntry),
	}

	r := mux.NewRouter()
	r.PathPrefix("/").HandlerFunc(s.handleRequest)

	s.httpSrv = &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	s.httpsSrv = &http.Server{
		Addr:    cfg.HTTPSAddr,
		Handler: r,
		TLSConfig: &tls.Config{
			GetCertificate: s.getCertificateForHello,
			MinVersion:     tls.VersionTLS12,
			NextProtos:     []string{"h2", "http/1.1"},
		},
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s, nil
}

// Start runs the HTTP and HTTPS listeners plus the TLS ticket key rotation
// loop, returning immediately. Blocking callers should select on ctx.Done().
func (s *Server) Start(ctx context.Context) {
	go s.rotateTicketKeys(ctx)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("pubserver: http listener: %v", err)
		}
	}()
	go func() {
		if err := s.httpsSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			log.Error("pubserver: https listener: %v", err)
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		return err
	}
	return s.httpsSrv.Shutdown(ctx)
}

// rotateTicketKeys is the cluster-wide TLS resumption of spec.md §4.7's
// last paragraph: all PS workers encrypt/decrypt session tickets with the
// same key, shared through KS, so a client can resume against any worker.
// One key is shared rather than one KS entry stored per ticket. Every pass
// reuses the stored key and refreshes its TTL, so a new key is generated
// only after the stored one has expired from KS (no worker refreshed it for
// ticketKeyTTL).
func (s *Server) rotateTicketKeys(ctx context.Context) {
	ticker := time.NewTicker(ticketKeyRefresh)
	defer ticker.Stop()
	for {
		key, err := s.loadOrRotateTicketKey(ctx)
		if err != nil {
			log.Error("pubserver: tls ticket key: %v", err)
		} else {
			s.httpsSrv.TLSConfig.SetSessionTicketKeys([][32]byte{key})
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) loadOrRotateTicketKey(ctx context.Context) ([32]byte, error) {
	var key [32]byte
	raw, ok, err := s.ks.Get(ctx, ticketKeyRedisKey)
	if err == nil && ok {
		if decoded, decErr := hex.DecodeString(raw); decErr == nil && len(decoded) == 32 {
			copy(key[:], decoded)
			_ = s.ks.Expire(ctx, ticketKeyRedisKey, ticketKeyTTL)
			return key, nil
		}
	}

	if _, err := rand.Read(key[:]); err != nil {
		return key, err
	}
	if err := s.ks.Set(ctx, ticketKeyRedisKey, hex.EncodeToString(key[:]), ticketKeyTTL); err != nil {
		return key, err
	}
	return key, nil
}

// getCertificateForHello is the SNI callback of spec.md §4.7 step 1-4.
func (s *Server) getCertificateForHello(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	host := strings.ToLower(hello.ServerName)
	if host == "" {
		return s.defaultCert, nil
	}

	ctx := context.Background()
	rows, found, err := s.zs.Resolve(ctx, host, zonestore.TypeURL, true)
	if err != nil || !found || len(rows) == 0 {
		return s.defaultCert, nil
	}

	certData, err := s.cm.LoadCertificate(ctx, host)
	if err != nil || certData == nil {
		return s.defaultCert, nil
	}

	s.sniMu.Lock()
	defer s.sniMu.Unlock()

	fingerprint := certData.Expires.UnixNano()
	if entry, ok := s.sniCache[host]; ok && entry.fingerprint == fingerprint {
		return entry.cert, nil
	}

	bundle := append(append([]byte{}, certData.Cert...), certData.Chain...)
	cert, err := tls.X509KeyPair(bundle, certData.Key)
	if err != nil {
		log.Error("pubserver: build tls certificate for %s: %v", host, err)
		return s.defaultCert, nil
	}
	s.sniCache[host] = &sniEntry{cert: &cert, fingerprint: fingerprint}
	return &cert, nil
}

// handleRequest is the request path of spec.md §4.7's final paragraph.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	setSecurityHeaders(w, s.cfg.Version)

	if loopDetected(r.Header.Get("X-Cdn-Loop")) {
		http.Error(w, "loop detected", http.StatusLoopDetected)
		return
	}

	host := hostnameOf(r)
	rows, found, err := s.zs.Resolve(r.Context(), host, zonestore.TypeURL, true)
	if err != nil {
		log.Error("pubserver: resolve URL %s: %v", host, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !found || len(rows) == 0 {
		renderNotFound(w)
		return
	}

	target, code, proxy := urlRecord(rows[0])
	if target == "" {
		renderNotFound(w)
		return
	}

	if proxy {
		s.reverseProxy(w, r, target)
		return
	}
	redirect(w, r, target, code)
}

func setSecurityHeaders(w http.ResponseWriter, version string) {
	h := w.Header()
	h.Set("Server", "PendingDNS/"+version)
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Xss-Protection", "1; mode=block")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Strict-Transport-Security", fmt.Sprintf("max-age=%d; includeSubDomains; preload", int(hstsMaxAge.Seconds())))
	h.Set("X-Cdn-Loop", "PendingDNS")
}

func loopDetected(header string) bool {
	return strings.Contains(header, "PendingDNS")
}

func hostnameOf(r *http.Request) string {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	return strings.ToLower(strings.TrimSuffix(host, "."))
}

func (s *Server) reverseProxy(w http.ResponseWriter, r *http.Request, target string) {
	origin, err := url.Parse(target)
	if err != nil {
		http.Error(w, "bad proxy target", http.StatusBadGateway)
		return
	}

	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}

	proxy := httputil.NewSingleHostReverseProxy(origin)
	director := proxy.Director
	proxy.Director = func(req *http.Request) {
		director(req)
		req.Header.Set("X-Forwarded-Proto", proto)
		req.Header.Set("X-Connecting-Ip", clientIP(r))
	}
	proxy.ServeHTTP(w, r)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

var movedTemplate = template.Must(template.New("moved").Parse(
	`<html><head><title>301 Moved Permanently</title></head><body>Moved permanently. <a href="{{.}}">Continue</a>.</body></html>`))

var notFoundBody = []byte(`<html><head><title>404 Not Found</title></head><body>Not found.</body></html>`)

// redirect aliases the incoming path+query onto the target when the target
// is bare (path "/", no query) — otherwise it redirects to the target
// exactly as configured.
func redirect(w http.ResponseWriter, r *http.Request, target string, code int) {
	if code == 0 {
		code = http.StatusMovedPermanently
	}

	dest := target
	if u, err := url.Parse(target); err == nil && u.Path == "/" && u.RawQuery == "" {
		alias := *u
		alias.Path = r.URL.Path
		alias.RawQuery = r.URL.RawQuery
		dest = alias.String()
	}

	w.Header().Set("Location", dest)
	w.WriteHeader(code)
	_ = movedTemplate.Execute(w, dest)
}

func renderNotFound(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write(notFoundBody)
}

func urlRecord(rr zonestore.RR) (target string, code int, proxy bool) {
	if len(rr.Value) == 0 {
		return "", 0, false
	}
	target, _ = rr.Value[0].(string)
	if len(rr.Value) > 1 {
		switch v := rr.Value[1].(type) {
		case float64:
			code = int(v)
		case int:
			code = v
		}
	}
	if len(rr.Value) > 2 {
		proxy, _ = rr.Value[2].(bool)
	}
	return target, code, proxy
}

// generateSelfSigned builds the fallback SNI certificate used when a
// hostname has no URL record or CM has nothing to offer yet, grounded on
// the teacher's certdb.go CA/cert bootstrap (same RSA keygen, same
// self-signed x509.CreateCertificate shape).
func generateSelfSigned(cn string) (*tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	serialLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn, Organization: []string{"PendingDNS"}},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:              []string{cn},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	return &tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}
