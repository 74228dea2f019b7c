// Package resolver is the Cached External Resolver (CER) of spec.md §2.3:
// it resolves external names (used for ANAME targets) through the
// operator's configured upstream nameservers and caches answers in KS with
// positive/negative TTLs. It is deliberately independent of zonestore —
// the certificate manager publishes through ZS while DH reads through
// CER, and keeping the two apart avoids a direct import cycle between
// them.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/net/idna"

	"pendingdns/errs"
	"pendingdns/store"
)

type Options struct {
	MinTTL   time.Duration
	MaxTTL   time.Duration
	ErrorTTL time.Duration
}

func DefaultOptions() Options {
	return Options{
		MinTTL:   10 * time.Minute,
		MaxTTL:   8 * time.Hour,
		ErrorTTL: time.Minute,
	}
}

type Resolver struct {
	ks     *store.Store
	ns     []string
	client *dns.Client
}

// New builds a resolver that queries the given upstream nameserver
// addresses (host:port). ns is consulted in order; the first to answer
// wins.
func New(ks *store.Store, ns []string) *Resolver {
	return &Resolver{
		ks:     ks,
		ns:     ns,
		client: &dns.Client{Timeout: 5 * time.Second},
	}
}

type cacheEntry struct {
	Expires int64    `json:"expires,omitempty"`
	Data    []string `json:"data,omitempty"`
	Miss    bool     `json:"miss,omitempty"`
	Error   string   `json:"error,omitempty"`
	Code    int      `json:"code,omitempty"`
}

var idnaProfile = idna.New(idna.MapForLookup(), idna.Transitional(true))

func normalize(target string) string {
	target = strings.ToLower(strings.TrimSuffix(target, "."))
	if a, err := idnaProfile.ToASCII(target); err == nil {
		return a
	}
	return target
}

func cacheKey(target, typ string) string {
	return "d:cache:" + target + ":" + typ
}

// Resolve returns the addresses for target/typ, consulting the cache
// first. A/AAAA map to the obvious A/AAAA query; PTR reverses target into
// an in-addr.arpa/ip6.arpa lookup name; any other type name is queried
// verbatim against the RR type of the same name.
func (r *Resolver) Resolve(ctx context.Context, target, typ string, opts Options) ([]string, error) {
	target = normalize(target)
	key := cacheKey(target, typ)
	now := time.Now()

	raw, ok, err := r.ks.Get(ctx, key)
	if err != nil {
		return nil, errs.New(errs.Storage, "resolver.Resolve", err)
	}

	var stale *cacheEntry
	if ok {
		var entry cacheEntry
		if err := json.Unmarshal([]byte(raw), &entry); err == nil {
			if entry.Expires > now.Unix() {
				if entry.Miss {
					return nil, errs.New(errs.External, "resolver.Resolve", fmt.Errorf("%s", entry.Error))
				}
				return entry.Data, nil
			}
			stale = &entry
		}
	}

	data, queryErr := r.query(ctx, target, typ)
	if queryErr == nil {
		entry := cacheEntry{Expires: now.Add(opts.MinTTL).Unix(), Data: data}
		if err := r.write(ctx, key, entry, opts.MaxTTL); err != nil {
			return nil, err
		}
		return data, nil
	}

	entry := cacheEntry{Expires: now.Add(opts.ErrorTTL).Unix(), Miss: true, Error: queryErr.Error()}
	_ = r.write(ctx, key, entry, opts.ErrorTTL)

	if stale != nil && !stale.Miss && len(stale.Data) > 0 {
		return stale.Data, nil
	}
	return nil, errs.New(errs.External, "resolver.Resolve", queryErr)
}

func (r *Resolver) write(ctx context.Context, key string, entry cacheEntry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return errs.New(errs.Fatal, "resolver.write", err)
	}
	if err := r.ks.Set(ctx, key, string(data), ttl); err != nil {
		return errs.New(errs.Storage, "resolver.write", err)
	}
	return nil
}

func (r *Resolver) query(ctx context.Context, target, typ string) ([]string, error) {
	if len(r.ns) == 0 {
		return nil, fmt.Errorf("resolver: no upstream nameservers configured")
	}

	qname := dns.Fqdn(target)
	qtype := dns.TypeA
	switch strings.ToUpper(typ) {
	case "A":
		qtype = dns.TypeA
	case "AAAA":
		qtype = dns.TypeAAAA
	case "PTR":
		qtype = dns.TypePTR
		qname = dns.Fqdn(dns.ReverseAddr(target))
	default:
		if t, ok := dns.StringToType[strings.ToUpper(typ)]; ok {
			qtype = t
		}
	}

	msg := new(dns.Msg)
	msg.SetQuestion(qname, qtype)
	msg.RecursionDesired = true

	var lastErr error
	for _, ns := range r.ns {
		resp, _, err := r.client.ExchangeContext(ctx, msg, ns)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("resolver: %s answered rcode %s for %s %s", ns, dns.RcodeToString[resp.Rcode], qname, dns.TypeToString[qtype])
			continue
		}
		return extractData(resp, qtype), nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("resolver: no upstream nameserver reachable")
	}
	return nil, lastErr
}

func extractData(resp *dns.Msg, qtype uint16) []string {
	var out []string
	for _, rr := range resp.Answer {
		switch v := rr.(type) {
		case *dns.A:
			if qtype == dns.TypeA {
				out = append(out, v.A.String())
			}
		case *dns.AAAA:
			if qtype == dns.TypeAAAA {
				out = append(out, v.AAAA.String())
			}
		case *dns.PTR:
			if qtype == dns.TypePTR {
				out = append(out, strings.TrimSuffix(v.Ptr, "."))
			}
		case *dns.CNAME:
			// Follow-through handled by the caller re-resolving the target;
			// CER itself only reports what the upstream returned directly.
		}
	}
	return out
}
