// Package health is the Health Checker (HC) of spec.md §2.4: a fixed pool
// of worker loops that pop due targets off a KS-backed sorted-set queue,
// probe them over TCP/TLS/HTTP/HTTPS, and persist status transitions for
// the DNS handler to read back when it resolves A/AAAA.
package health

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"pendingdns/log"
	"pendingdns/store"
	"pendingdns/zonestore"
)

const (
	healthQueueKey  = "d:health:z"
	healthResultKey = "d:health:r"
)

// audit carries structured transition events; see certmgr.SetAuditLogger
// for why zap sits alongside the console log/ writes rather than replacing
// them.
var audit = zap.NewNop().Sugar()

func SetAuditLogger(l *zap.SugaredLogger) {
	if l != nil {
		audit = l
	}
}

type Status struct {
	Status bool   `json:"status"`
	Error  string `json:"error,omitempty"`
	Code   int    `json:"code,omitempty"`
}

type Config struct {
	Workers int
	TTL     time.Duration // probe timeout, spec.md default 30s
	Delay   time.Duration // re-poll delay, spec.md default 60s
}

func DefaultConfig() Config {
	return Config{Workers: 4, TTL: 30 * time.Second, Delay: 60 * time.Second}
}

type Checker struct {
	ks  *store.Store
	zs  *zonestore.Store
	cfg Config
}

func New(ks *store.Store, zs *zonestore.Store, cfg Config) *Checker {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Checker{ks: ks, zs: zs, cfg: cfg}
}

// Run starts cfg.Workers loops and blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	done := make(chan struct{}, c.cfg.Workers)
	for i := 0; i < c.cfg.Workers; i++ {
		go func(worker int) {
			c.loop(ctx, worker)
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < c.cfg.Workers; i++ {
		<-done
	}
}

func (c *Checker) loop(ctx context.Context, worker int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		now := time.Now()
		member, ok, err := c.ks.PopNextDue(ctx, healthQueueKey, float64(now.UnixMilli()), float64(now.Add(c.cfg.Delay).UnixMilli()))
		if err != nil {
			log.Error("health: worker %d: pop failed: %v", worker, err)
			sleep(ctx, 30*time.Second)
			continue
		}
		if !ok {
			sleep(ctx, 10*time.Second)
			continue
		}
		c.probeMember(ctx, member)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// memberID strips the leading "<reversed-zone>:" prefix off a health queue
// member, recovering the record id (ids are base64url and never contain
// ':', so splitting on the last colon is unambiguous).
func memberID(member string) string {
	idx := strings.LastIndex(member, ":")
	if idx < 0 {
		return member
	}
	return member[idx+1:]
}

func (c *Checker) probeMember(ctx context.Context, member string) {
	id := memberID(member)
	rr, found, err := c.zs.GetByID(ctx, id)
	if err != nil {
		log.Error("health: fetch %s: %v", id, err)
		return
	}
	if !found {
		// Record was deleted since being enqueued; drop silently.
		return
	}
	if rr.Type != zonestore.TypeA && rr.Type != zonestore.TypeAAAA {
		return
	}
	uri := healthURI(rr.Value)
	if uri == "" {
		return
	}

	result := probe(ctx, uri, c.cfg.TTL)
	c.persistIfChanged(ctx, member, result)
}

func healthURI(value []interface{}) string {
	if len(value) < 2 || value[1] == nil {
		return ""
	}
	uri, _ := value[1].(string)
	return uri
}

func (c *Checker) persistIfChanged(ctx context.Context, member string, result Status) {
	prevRaw, ok, err := c.ks.HGet(ctx, healthResultKey, member)
	if err == nil && ok {
		var prev Status
		if json.Unmarshal([]byte(prevRaw), &prev) == nil && prev.Status == result.Status {
			log.Debug("health: %s unchanged (%v)", member, result.Status)
			return
		}
	}
	data, err := json.Marshal(result)
	if err != nil {
		log.Error("health: marshal status for %s: %v", member, err)
		return
	}
	if err := c.ks.HSet(ctx, healthResultKey, member, string(data)); err != nil {
		log.Error("health: persist status for %s: %v", member, err)
		return
	}
	log.Important("health: %s transitioned to %v", member, result.Status)
	audit.Infow("health transition", "member", member, "status", result.Status, "error", result.Error, "code", result.Code)
}

// probe dials or requests uri and reports whether the endpoint is healthy.
// tcps:// and https:// skip certificate validation — the check is liveness,
// not trust.
func probe(ctx context.Context, rawURI string, timeout time.Duration) Status {
	u, err := url.Parse(rawURI)
	if err != nil {
		return Status{Status: false, Error: err.Error()}
	}

	switch u.Scheme {
	case "tcp":
		return probeTCP(ctx, u.Host, timeout, false)
	case "tcps":
		return probeTCP(ctx, u.Host, timeout, true)
	case "http":
		return probeHTTP(ctx, rawURI, timeout, false)
	case "https":
		return probeHTTP(ctx, rawURI, timeout, true)
	default:
		return Status{Status: false, Error: fmt.Sprintf("unsupported health scheme %q", u.Scheme)}
	}
}

func probeTCP(ctx context.Context, addr string, timeout time.Duration, tlsVerify bool) Status {
	dialer := &net.Dialer{Timeout: timeout}
	var conn net.Conn
	var err error
	if tlsVerify {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{InsecureSkipVerify: true})
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return Status{Status: false, Error: err.Error()}
	}
	_ = conn.Close()
	return Status{Status: true}
}

func probeHTTP(ctx context.Context, rawURL string, timeout time.Duration, insecure bool) Status {
	client := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: insecure},
		},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Status{Status: false, Error: err.Error()}
	}
	resp, err := client.Do(req)
	if err != nil {
		return Status{Status: false, Error: err.Error()}
	}
	defer resp.Body.Close()
	healthy := resp.StatusCode >= 200 && resp.StatusCode <= 299
	return Status{Status: healthy, Code: resp.StatusCode}
}
