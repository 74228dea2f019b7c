// Package certmgr is the Certificate Manager (CM) of spec.md §4.6: it
// issues and caches TLS certificates via ACME dns-01, publishing the
// challenge through the zone store and verifying propagation against the
// server's own authoritative NS IPs rather than the host's resolver.
//
// Grounded on the teacher's core/certdb.go certificate machinery (RSA 2048
// account-key generation, PEM persistence) generalized from self-signed
// CA-chained certs to real ACME issuance driven directly through
// go-acme/lego, whose dns01.Provider hook maps onto publishing the
// challenge through the zone store the way core/certdb.go drives
// certmagic's solver hooks. See DESIGN.md for why lego is driven directly
// here instead of through certmagic.
package certmgr

import (
	"context"
	"crypto"
	"crypto/md5"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge/dns01"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"
	"go.uber.org/zap"

	"pendingdns/errs"
	"pendingdns/log"
	"pendingdns/store"
	"pendingdns/zonestore"
)

// audit is a structured event stream for issuance/renewal outcomes,
// separate from the terse colored console log/ writes. zap arrived as an
// indirect dependency through certmagic in the teacher's stack; it is kept
// as a direct dependency here for this one narrow purpose rather than
// dropped, since certificate issuance is exactly the kind of event an
// operator wants queryable structured fields for (domain set, cache key,
// outcome) rather than a formatted line.
var audit = zap.NewNop().Sugar()

// SetAuditLogger replaces the no-op audit sink with a real zap logger.
// Left unset, certmgr emits no structured audit events and relies solely on
// log/ — callers wire a production logger in from main.
func SetAuditLogger(l *zap.SugaredLogger) {
	if l != nil {
		audit = l
	}
}

const (
	accountKeyPrefix = "d:acme:account:"
	certKeyPrefix    = "d:acme:keys:"
	lockKeyPrefix    = "d:lock:"

	challengeTTL     = time.Hour
	renewThreshold   = 30 * 24 * time.Hour
	lockWait         = 3 * time.Minute
	lockLease        = 3 * time.Minute
	cooldownTTL      = time.Hour
	propagationDelay = 500 * time.Millisecond
)

// Config holds the operator-supplied parameters CM needs: where to talk to
// the ACME directory, the account email, the system's own authoritative NS
// (both as resolver addresses for propagation checks, and as domain names
// for the admissibility check of spec.md §4.6 step 1).
type Config struct {
	DirectoryURL string
	Email        string
	NSAddrs      []string // host:port, queried directly instead of the host resolver
	NSDomains    []string
}

// CertData is the cached shape of an issued certificate, persisted verbatim
// under d:acme:keys:<md5(sortedDomains)>.
type CertData struct {
	Key       []byte    `json:"key"`
	Cert      []byte    `json:"cert"`
	Chain     []byte    `json:"chain"`
	ValidFrom time.Time `json:"validFrom"`
	Expires   time.Time `json:"expires"`
	DNSNames  []string  `json:"dnsNames"`
	Issuer    string    `json:"issuer"`
	LastCheck time.Time `json:"lastCheck"`
	Created   time.Time `json:"created"`
	Status    string    `json:"status"`
}

type Manager struct {
	ks  *store.Store
	zs  *zonestore.Store
	cfg Config

	initOnce sync.Once
	initErr  error
	client   *lego.Client
}

func New(ks *store.Store, zs *zonestore.Store, cfg Config) *Manager {
	return &Manager{ks: ks, zs: zs, cfg: cfg}
}

// acmeUser satisfies registration.User with a key/registration pair loaded
// from or persisted to KS.
type acmeUser struct {
	email string
	reg   *registration.Resource
	key   crypto.PrivateKey
}

func (u *acmeUser) GetEmail() string                       { return u.email }
func (u *acmeUser) GetRegistration() *registration.Resource { return u.reg }
func (u *acmeUser) GetPrivateKey() crypto.PrivateKey        { return u.key }

// ensureClient lazily builds the lego client exactly once per process (the
// "per-process memoized ACME init" of spec.md §3 "Ownership").
func (m *Manager) ensureClient(ctx context.Context) (*lego.Client, error) {
	m.initOnce.Do(func() {
		m.client, m.initErr = m.initClient(ctx)
	})
	return m.client, m.initErr
}

func (m *Manager) initClient(ctx context.Context) (*lego.Client, error) {
	key, acct, err := m.loadOrCreateAccount(ctx)
	if err != nil {
		return nil, err
	}

	user := &acmeUser{email: m.cfg.Email, key: key, reg: acct}

	cfg := lego.NewConfig(user)
	if m.cfg.DirectoryURL != "" {
		cfg.CADirURL = m.cfg.DirectoryURL
	}
	cfg.Certificate.KeyType = certcrypto.RSA2048

	client, err := lego.NewClient(cfg)
	if err != nil {
		return nil, errs.New(errs.External, "certmgr.initClient", err)
	}

	provider := &dnsProvider{zs: m.zs}
	var opts []dns01.ChallengeOption
	if len(m.cfg.NSAddrs) > 0 {
		opts = append(opts, dns01.AddRecursiveNameservers(m.cfg.NSAddrs))
	}
	if err := client.Challenge.SetDNS01Provider(provider, opts...); err != nil {
		return nil, errs.New(errs.External, "certmgr.initClient", err)
	}

	if user.reg == nil {
		reg, err := client.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
		if err != nil {
			return nil, errs.New(errs.External, "certmgr.initClient", err)
		}
		user.reg = reg
		if err := m.persistAccount(ctx, key, reg); err != nil {
			log.Error("certmgr: persist account: %v", err)
		}
	}

	return client, nil
}

func (m *Manager) loadOrCreateAccount(ctx context.Context) (*rsa.PrivateKey, *registration.Resource, error) {
	h := accountKeyPrefix + m.cfg.Email

	keyPEM, hasKey, err := m.ks.HGet(ctx, h, "key")
	if err != nil {
		return nil, nil, wrapStorage("certmgr.loadOrCreateAccount", err)
	}
	if hasKey {
		key, err := decodeRSAKey(keyPEM)
		if err != nil {
			return nil, nil, errs.New(errs.Storage, "certmgr.loadOrCreateAccount", err)
		}
		acctJSON, hasAcct, err := m.ks.HGet(ctx, h, "account")
		if err != nil {
			return nil, nil, wrapStorage("certmgr.loadOrCreateAccount", err)
		}
		var acct *registration.Resource
		if hasAcct {
			acct = &registration.Resource{}
			if err := json.Unmarshal([]byte(acctJSON), acct); err != nil {
				acct = nil
			}
		}
		return key, acct, nil
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, errs.New(errs.Fatal, "certmgr.loadOrCreateAccount", err)
	}
	if err := m.ks.HSet(ctx, h, "key", string(encodeRSAKey(key))); err != nil {
		return nil, nil, wrapStorage("certmgr.loadOrCreateAccount", err)
	}
	if err := m.ks.HSet(ctx, h, "created", time.Now().Format(time.RFC3339)); err != nil {
		return nil, nil, wrapStorage("certmgr.loadOrCreateAccount", err)
	}
	return key, nil, nil
}

func (m *Manager) persistAccount(ctx context.Context, key *rsa.PrivateKey, reg *registration.Resource) error {
	h := accountKeyPrefix + m.cfg.Email
	data, err := json.Marshal(reg)
	if err != nil {
		return err
	}
	return wrapStorage("certmgr.persistAccount", m.ks.HSet(ctx, h, "account", string(data)))
}

func encodeRSAKey(key *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
}

func decodeRSAKey(data string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil {
		return nil, fmt.Errorf("certmgr: account key is not valid PEM")
	}
	return x509.ParsePKCS1PrivateKey(block.Bytes)
}

// GetCertificate implements the full guarantee of spec.md §4.6: admissibility
// filtering, cache hit, distributed lock, renewal, and cooldown on failure.
func (m *Manager) GetCertificate(ctx context.Context, domains []string, force bool) (*CertData, error) {
	admissible := m.admissibleDomains(ctx, domains)
	if len(admissible) == 0 {
		return nil, errs.New(errs.InputRejected, "certmgr.GetCertificate", fmt.Errorf("no valid domain names provided"))
	}
	sort.Strings(admissible)
	key := cacheKey(admissible)

	if !force {
		if cached, ok, err := m.loadCached(ctx, key); err == nil && ok {
			switch {
			case cached.Expires.After(time.Now().Add(renewThreshold)):
				return cached, nil
			case cached.Expires.After(time.Now()):
				go m.renewInBackground(admissible, key)
				return cached, nil
			}
		}
	}

	cooldownKey := certKeyPrefix + key + ":lock"
	if cooling, err := m.ks.Exists(ctx, cooldownKey); err == nil && cooling {
		if cached, ok, err := m.loadCached(ctx, key); err == nil && ok {
			return cached, nil
		}
		return nil, errs.New(errs.External, "certmgr.GetCertificate", fmt.Errorf("issuance for %s is in cooldown", key))
	}

	lockKey := lockKeyPrefix + key
	locked, err := m.acquireLock(ctx, lockKey)
	if err != nil {
		return nil, err
	}
	if !locked {
		if cached, ok, err := m.loadCached(ctx, key); err == nil && ok {
			return cached, nil
		}
		return nil, errs.New(errs.Resource, "certmgr.GetCertificate", fmt.Errorf("lock busy for %s", key))
	}
	defer func() {
		if err := m.ks.Del(ctx, lockKey); err != nil {
			log.Error("certmgr: release lock %s: %v", lockKey, err)
		}
	}()

	if !force {
		if cached, ok, err := m.loadCached(ctx, key); err == nil && ok && cached.Expires.After(time.Now().Add(renewThreshold)) {
			return cached, nil
		}
	}

	cert, err := m.issue(ctx, admissible)
	if err != nil {
		audit.Errorw("certificate issuance failed", "cacheKey", key, "domains", admissible, "error", err)
		if setErr := m.ks.Set(ctx, cooldownKey, "1", cooldownTTL); setErr != nil {
			log.Error("certmgr: set cooldown %s: %v", cooldownKey, setErr)
		}
		if cached, ok, cacheErr := m.loadCached(ctx, key); cacheErr == nil && ok {
			log.Warning("certmgr: issuance failed for %s, serving stale cert: %v", key, err)
			return cached, nil
		}
		return nil, err
	}
	audit.Infow("certificate issued", "cacheKey", key, "domains", admissible, "expires", cert.Expires)

	if err := m.persist(ctx, key, cert); err != nil {
		log.Error("certmgr: persist cert %s: %v", key, err)
	}
	return cert, nil
}

func (m *Manager) renewInBackground(domains []string, key string) {
	log.Info("certmgr: %s below renewal threshold, renewing in background", key)
	if _, err := m.GetCertificate(context.Background(), domains, true); err != nil {
		audit.Warnw("background renewal failed", "cacheKey", key, "domains", domains, "error", err)
		log.Warning("certmgr: background renewal failed for %s: %v", key, err)
	}
}

func (m *Manager) acquireLock(ctx context.Context, key string) (bool, error) {
	deadline := time.Now().Add(lockWait)
	for {
		ok, err := m.ks.SetNX(ctx, key, "1", lockLease)
		if err != nil {
			return false, wrapStorage("certmgr.acquireLock", err)
		}
		if ok {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func (m *Manager) issue(ctx context.Context, domains []string) (*CertData, error) {
	client, err := m.ensureClient(ctx)
	if err != nil {
		return nil, err
	}

	resource, err := client.Certificate.Obtain(certificate.ObtainRequest{
		Domains: domains,
		Bundle:  true,
	})
	if err != nil {
		return nil, errs.New(errs.External, "certmgr.issue", err)
	}

	block, _ := pem.Decode(resource.Certificate)
	if block == nil {
		return nil, errs.New(errs.External, "certmgr.issue", fmt.Errorf("issued certificate is not valid PEM"))
	}
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, errs.New(errs.External, "certmgr.issue", err)
	}

	now := time.Now()
	return &CertData{
		Key:       resource.PrivateKey,
		Cert:      resource.Certificate,
		Chain:     resource.IssuerCertificate,
		ValidFrom: leaf.NotBefore,
		Expires:   leaf.NotAfter,
		DNSNames:  leaf.DNSNames,
		Issuer:    leaf.Issuer.CommonName,
		LastCheck: now,
		Created:   now,
		Status:    "valid",
	}, nil
}

func (m *Manager) persist(ctx context.Context, key string, cert *CertData) error {
	h := certKeyPrefix + key
	dnsNames, err := json.Marshal(cert.DNSNames)
	if err != nil {
		return err
	}
	fields := map[string]string{
		"key":       string(cert.Key),
		"cert":      string(cert.Cert),
		"chain":     string(cert.Chain),
		"validFrom": cert.ValidFrom.Format(time.RFC3339),
		"expires":   cert.Expires.Format(time.RFC3339),
		"dnsNames":  string(dnsNames),
		"issuer":    cert.Issuer,
		"lastCheck": cert.LastCheck.Format(time.RFC3339),
		"created":   cert.Created.Format(time.RFC3339),
		"status":    cert.Status,
	}
	for field, value := range fields {
		if err := m.ks.HSet(ctx, h, field, value); err != nil {
			return wrapStorage("certmgr.persist", err)
		}
	}
	if ttl := time.Until(cert.Expires); ttl > 0 {
		return wrapStorage("certmgr.persist", m.ks.Expire(ctx, h, ttl))
	}
	return nil
}

func (m *Manager) loadCached(ctx context.Context, key string) (*CertData, bool, error) {
	raw, err := m.ks.HGetAll(ctx, certKeyPrefix+key)
	if err != nil {
		return nil, false, wrapStorage("certmgr.loadCached", err)
	}
	if len(raw) == 0 {
		return nil, false, nil
	}

	validFrom, _ := time.Parse(time.RFC3339, raw["validFrom"])
	expires, _ := time.Parse(time.RFC3339, raw["expires"])
	lastCheck, _ := time.Parse(time.RFC3339, raw["lastCheck"])
	created, _ := time.Parse(time.RFC3339, raw["created"])
	var dnsNames []string
	_ = json.Unmarshal([]byte(raw["dnsNames"]), &dnsNames)

	return &CertData{
		Key: []byte(raw["key"]), Cert: []byte(raw["cert"]), Chain: []byte(raw["chain"]),
		ValidFrom: validFrom, Expires: expires, DNSNames: dnsNames, Issuer: raw["issuer"],
		LastCheck: lastCheck, Created: created, Status: raw["status"],
	}, true, nil
}

// LoadCertificate derives the domain set to request for domain per spec.md
// §4.6's final paragraph and delegates to GetCertificate.
func (m *Manager) LoadCertificate(ctx context.Context, domain string) (*CertData, error) {
	name := zonestore.NormalizeDomain(domain)
	zone, ok, err := m.zs.ResolveZone(ctx, name)
	if err != nil || !ok {
		return nil, err
	}

	var domains []string
	if name == zone {
		domains = []string{name, "*." + name}
	} else {
		parent := parentOf(name)
		domains = []string{parent, "*." + parent}
	}

	cert, err := m.GetCertificate(ctx, domains, false)
	if err != nil {
		log.Warning("certmgr: loadCertificate %s: %v", name, err)
		return nil, nil
	}
	return cert, nil
}

func parentOf(name string) string {
	idx := strings.Index(name, ".")
	if idx < 0 {
		return name
	}
	return name[idx+1:]
}

// admissibleDomains drops names CM should refuse to request certs for: ones
// with no known zone, or whose zone's stored NS set doesn't match what this
// server is configured to serve (spec.md §4.6 step 1).
func (m *Manager) admissibleDomains(ctx context.Context, domains []string) []string {
	var out []string
	for _, d := range domains {
		name := zonestore.NormalizeDomain(strings.TrimPrefix(d, "*."))
		zone, ok, err := m.zs.ResolveZone(ctx, name)
		if err != nil || !ok {
			log.Debug("certmgr: %s has no known zone, dropping", name)
			continue
		}
		if !m.checkNSStatus(ctx, zone) {
			log.Debug("certmgr: %s zone %s failed NS admissibility check, dropping", name, zone)
			continue
		}
		out = append(out, zonestore.NormalizeDomain(d))
	}
	return out
}

func (m *Manager) checkNSStatus(ctx context.Context, zone string) bool {
	rows, found, err := m.zs.Resolve(ctx, zone, zonestore.TypeNS, true)
	if err != nil {
		return false
	}
	if !found || len(rows) == 0 {
		return true
	}

	known := make(map[string]bool, len(m.cfg.NSDomains))
	for _, ns := range m.cfg.NSDomains {
		known[zonestore.NormalizeDomain(ns)] = true
	}
	matched := false
	for _, rr := range rows {
		if len(rr.Value) == 0 {
			continue
		}
		ns, _ := rr.Value[0].(string)
		ns = zonestore.NormalizeDomain(ns)
		if !known[ns] {
			return false
		}
		matched = true
	}
	return matched
}

func cacheKey(domains []string) string {
	sorted := append([]string(nil), domains...)
	sort.Strings(sorted)
	sum := md5.Sum([]byte(strings.Join(sorted, ":")))
	return hex.EncodeToString(sum[:])
}

func wrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	return errs.New(errs.Storage, op, err)
}

// dnsProvider implements challenge.Provider and challenge.ProviderTimeout,
// publishing dns-01 challenges through ZS (Present adds the TXT record with
// a one-hour expiry, CleanUp deletes it by domain). It has no separate
// lookup or zone-listing hooks.
type dnsProvider struct {
	zs *zonestore.Store
}

func (p *dnsProvider) Present(domain, token, keyAuth string) error {
	fqdn, value := dns01.GetRecord(domain, keyAuth)
	name := dns01.UnFqdn(fqdn)

	ctx := context.Background()
	zone, ok, err := p.zs.ResolveZone(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("certmgr: no zone for challenge host %s", name)
	}
	prefix := subdomainOf(name, zone)

	if _, err := p.zs.Add(ctx, zone, prefix, zonestore.TypeTXT, []interface{}{value}, challengeTTL); err != nil {
		return err
	}
	time.Sleep(propagationDelay)
	return nil
}

func (p *dnsProvider) CleanUp(domain, token, keyAuth string) error {
	fqdn, _ := dns01.GetRecord(domain, keyAuth)
	name := dns01.UnFqdn(fqdn)
	_, err := p.zs.DeleteByDomain(context.Background(), name, zonestore.TypeTXT, nil)
	return err
}

func (p *dnsProvider) Timeout() (timeout, interval time.Duration) {
	return 2 * time.Minute, 2 * time.Second
}

func subdomainOf(name, zone string) string {
	if name == zone {
		return ""
	}
	return strings.TrimSuffix(name, "."+zone)
}
