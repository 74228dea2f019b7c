// Package dnsh is the DNS Handler (DH) of spec.md §2.5: a function from a
// parsed query to an answer packet, consulting the zone store, the cached
// external resolver, and health status. It holds no transport state — the
// UDP/TCP listeners in dnslisten feed it parsed messages and write back
// whatever it returns.
package dnsh

import (
	"context"
	"math/rand"
	"net"
	"sort"
	"strings"
	"sync"

	"github.com/miekg/dns"

	"pendingdns/log"
	"pendingdns/resolver"
	"pendingdns/zonestore"
)

const maxCNAMEChaseDepth = 10

// udpMessageBudget is the classic RFC 1035 UDP response size; the server
// advertises no EDNS0 OPT record, so this is the only budget that applies.
const udpMessageBudget = 512

const txtChunkSize = 84
const txtChunkThreshold = 128

type NS struct {
	Domain string
	IP     string
}

type SOA struct {
	Admin      string
	Serial     uint32
	Refresh    uint32
	Retry      uint32
	Expiration uint32
	Minimum    uint32
}

type ChaosConfig struct {
	VersionBind  string
	HostnameBind string
	IDServer     string
	AuthorsBind  string
}

type PublicHosts struct {
	A    []string
	AAAA []string
}

type Config struct {
	TTL         uint32
	NS          []NS
	SOA         SOA
	Chaos       ChaosConfig
	PublicHosts PublicHosts
}

type Handler struct {
	zs     *zonestore.Store
	cer    *resolver.Resolver
	cfg    Config
	cerOpt resolver.Options
}

func New(zs *zonestore.Store, cer *resolver.Resolver, cfg Config) *Handler {
	return &Handler{zs: zs, cer: cer, cfg: cfg, cerOpt: resolver.DefaultOptions()}
}

// Handle builds the full reply for req. proto is "udp" or "tcp"; over udp a
// reply that would exceed the classic 512-byte budget collapses to an
// empty authoritative answer so the client retries over tcp.
func (h *Handler) Handle(ctx context.Context, req *dns.Msg, proto string) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Authoritative = true

	type outcome struct {
		rrs     []dns.RR
		refused bool
	}
	results := make([]outcome, len(req.Question))
	var wg sync.WaitGroup
	for i, q := range req.Question {
		wg.Add(1)
		go func(i int, q dns.Question) {
			defer wg.Done()
			rrs, refused := h.processQuestion(ctx, q.Name, q.Qtype, q.Qclass, 0)
			results[i] = outcome{rrs: rrs, refused: refused}
		}(i, q)
	}
	wg.Wait()

	for _, r := range results {
		if r.refused {
			resp.Rcode = dns.RcodeRefused
			continue
		}
		resp.Answer = append(resp.Answer, r.rrs...)
	}

	if proto == "udp" {
		if packed, err := resp.Pack(); err != nil || len(packed) > udpMessageBudget {
			empty := new(dns.Msg)
			empty.SetReply(req)
			empty.Authoritative = true
			return empty
		}
	}
	return resp
}

func expansionTypes(qtype uint16) []zonestore.Type {
	switch qtype {
	case dns.TypeANY:
		return []zonestore.Type{zonestore.TypeA, zonestore.TypeAAAA, zonestore.TypeCNAME}
	case dns.TypeA:
		return []zonestore.Type{zonestore.TypeA, zonestore.TypeCNAME, zonestore.TypeANAME, zonestore.TypeURL}
	case dns.TypeAAAA:
		return []zonestore.Type{zonestore.TypeAAAA, zonestore.TypeCNAME, zonestore.TypeANAME, zonestore.TypeURL}
	case dns.TypeTXT:
		return []zonestore.Type{zonestore.TypeTXT, zonestore.TypeCNAME}
	case dns.TypeMX:
		return []zonestore.Type{zonestore.TypeMX}
	case dns.TypeNS:
		return []zonestore.Type{zonestore.TypeNS}
	case dns.TypeCAA:
		return []zonestore.Type{zonestore.TypeCAA}
	case dns.TypeCNAME:
		return []zonestore.Type{zonestore.TypeCNAME}
	default:
		return nil
	}
}

// processQuestion implements spec.md §4.4's per-question algorithm.
func (h *Handler) processQuestion(ctx context.Context, name string, qtype, qclass uint16, depth int) ([]dns.RR, bool) {
	name = zonestore.NormalizeDomain(strings.TrimSuffix(name, "."))

	if qclass == dns.ClassCHAOS {
		return h.chaosAnswer(name, qtype)
	}
	if qclass != dns.ClassINET {
		return nil, false
	}

	expansion := expansionTypes(qtype)
	if expansion == nil && qtype != dns.TypeSOA {
		return nil, false
	}

	var answers []dns.RR
	var cnameRows []zonestore.RR
	var anameRows []zonestore.RR
	var urlRows []zonestore.RR
	produced := false

	for _, t := range expansion {
		rows, found, err := h.zs.Resolve(ctx, name, t, false)
		if err != nil {
			log.Error("dnsh: resolve %s %s: %v", name, t, err)
			continue
		}
		if !found {
			continue
		}

		switch t {
		case zonestore.TypeA, zonestore.TypeAAAA:
			shuffleRows(rows)
			rows = filterHealthy(rows)
			if qtype == dns.StringToType[string(t)] || qtype == dns.TypeANY {
				answers = append(answers, toAddressRRs(name, rows, t, h.cfg.TTL)...)
				produced = true
			}
		case zonestore.TypeMX:
			sort.SliceStable(rows, func(i, j int) bool { return mxPriority(rows[i]) < mxPriority(rows[j]) })
			if qtype == dns.TypeMX {
				answers = append(answers, toMXRRs(name, rows, h.cfg.TTL)...)
				produced = true
			}
		case zonestore.TypeTXT:
			if qtype == dns.TypeTXT {
				answers = append(answers, toTXTRRs(name, rows, h.cfg.TTL)...)
				produced = true
			}
		case zonestore.TypeNS:
			if qtype == dns.TypeNS {
				answers = append(answers, toNSRRs(name, rows, h.cfg.TTL)...)
				produced = true
			}
		case zonestore.TypeCAA:
			if qtype == dns.TypeCAA {
				answers = append(answers, toCAARRs(name, rows, h.cfg.TTL)...)
				produced = true
			}
		case zonestore.TypeCNAME:
			cnameRows = rows
		case zonestore.TypeANAME:
			anameRows = rows
		case zonestore.TypeURL:
			urlRows = rows
		}
	}

	if len(cnameRows) > 0 {
		rr := cnameRows[0]
		target := cnameTarget(rr)
		if qtype == dns.TypeCNAME {
			answers = append(answers, toCNAMERR(name, target, h.cfg.TTL))
			produced = true
		} else {
			answers = append(answers, toCNAMERR(name, target, h.cfg.TTL))
			produced = true
			if depth < maxCNAMEChaseDepth {
				chased, refused := h.processQuestion(ctx, target, qtype, qclass, depth+1)
				if refused {
					return answers, true
				}
				answers = append(answers, chased...)
			}
		}
	}

	if (qtype == dns.TypeA || qtype == dns.TypeAAAA || qtype == dns.TypeANY) && len(anameRows) > 0 {
		for _, rr := range anameRows {
			target := cnameTarget(rr)
			externalType := "A"
			if qtype == dns.TypeAAAA {
				externalType = "AAAA"
			}
			addrs, err := h.cer.Resolve(ctx, target, externalType, h.cerOpt)
			if err != nil {
				log.Warning("dnsh: aname resolve %s: %v", target, err)
				continue
			}
			rand.Shuffle(len(addrs), func(i, j int) { addrs[i], addrs[j] = addrs[j], addrs[i] })
			answers = append(answers, toAddressStrings(name, addrs, qtypeToRRType(qtype), h.cfg.TTL)...)
			produced = true
		}
	}

	if (qtype == dns.TypeA || qtype == dns.TypeAAAA || qtype == dns.TypeANY) && len(urlRows) > 0 {
		hosts := h.cfg.PublicHosts.A
		rrType := zonestore.TypeA
		if qtype == dns.TypeAAAA {
			hosts = h.cfg.PublicHosts.AAAA
			rrType = zonestore.TypeAAAA
		}
		shuffled := append([]string(nil), hosts...)
		rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		if len(shuffled) > 0 {
			answers = append(answers, toAddressStrings(name, shuffled, string(rrType), h.cfg.TTL)...)
			produced = true
		}
	}

	if !produced {
		synthesized := h.synthesize(name, qtype)
		answers = append(answers, synthesized...)
	}

	return answers, false
}

func mxPriority(rr zonestore.RR) int {
	if len(rr.Value) < 2 {
		return 0
	}
	switch v := rr.Value[1].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func cnameTarget(rr zonestore.RR) string {
	if len(rr.Value) == 0 {
		return ""
	}
	target, _ := rr.Value[0].(string)
	if target == "@" {
		return punycode(rr.Zone)
	}
	return punycode(target)
}

func shuffleRows(rows []zonestore.RR) {
	rand.Shuffle(len(rows), func(i, j int) { rows[i], rows[j] = rows[j], rows[i] })
}

// filterHealthy drops unhealthy rows, but fails open: if every row is
// unhealthy, all of them are returned (spec.md §4.3/§8 "health fail-open").
func filterHealthy(rows []zonestore.RR) []zonestore.RR {
	var healthy []zonestore.RR
	for _, rr := range rows {
		if rr.Health == nil || rr.Health.Status {
			healthy = append(healthy, rr)
		}
	}
	if len(healthy) == 0 {
		return rows
	}
	return healthy
}

func qtypeToRRType(qtype uint16) string {
	if qtype == dns.TypeAAAA {
		return "AAAA"
	}
	return "A"
}

func (h *Handler) synthesize(name string, qtype uint16) []dns.RR {
	switch qtype {
	case dns.TypeNS:
		var out []dns.RR
		for _, ns := range h.cfg.NS {
			out = append(out, &dns.NS{
				Hdr: dns.RR_Header{Name: dns.Fqdn(name), Rrtype: dns.TypeNS, Class: dns.ClassINET, Ttl: h.cfg.TTL},
				Ns:  dns.Fqdn(ns.Domain),
			})
		}
		return out
	case dns.TypeA:
		for _, ns := range h.cfg.NS {
			if zonestore.NormalizeDomain(ns.Domain) == name {
				return []dns.RR{&dns.A{
					Hdr: dns.RR_Header{Name: dns.Fqdn(name), Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: h.cfg.TTL},
					A:   net.ParseIP(ns.IP).To4(),
				}}
			}
		}
		return nil
	case dns.TypeCAA:
		return []dns.RR{
			&dns.CAA{Hdr: dns.RR_Header{Name: dns.Fqdn(name), Rrtype: dns.TypeCAA, Class: dns.ClassINET, Ttl: h.cfg.TTL}, Flag: 0, Tag: "issue", Value: "letsencrypt.org"},
			&dns.CAA{Hdr: dns.RR_Header{Name: dns.Fqdn(name), Rrtype: dns.TypeCAA, Class: dns.ClassINET, Ttl: h.cfg.TTL}, Flag: 0, Tag: "issuewild", Value: "letsencrypt.org"},
		}
	case dns.TypeSOA:
		if len(h.cfg.NS) == 0 {
			return nil
		}
		primary := h.cfg.NS[0].Domain
		return []dns.RR{&dns.SOA{
			Hdr:     dns.RR_Header{Name: dns.Fqdn(name), Rrtype: dns.TypeSOA, Class: dns.ClassINET, Ttl: h.cfg.TTL},
			Ns:      dns.Fqdn(primary),
			Mbox:    dns.Fqdn(adminToMbox(h.cfg.SOA.Admin)),
			Serial:  h.cfg.SOA.Serial,
			Refresh: h.cfg.SOA.Refresh,
			Retry:   h.cfg.SOA.Retry,
			Expire:  h.cfg.SOA.Expiration,
			Minttl:  h.cfg.SOA.Minimum,
		}}
	default:
		return nil
	}
}

func adminToMbox(admin string) string {
	return strings.Replace(admin, "@", ".", 1)
}

// --- chaos class ---

func (h *Handler) chaosAnswer(name string, qtype uint16) ([]dns.RR, bool) {
	if qtype != dns.TypeTXT {
		return nil, true
	}
	var value string
	switch strings.TrimSuffix(name, ".") {
	case "version.bind":
		value = h.cfg.Chaos.VersionBind
	case "hostname.bind":
		value = h.cfg.Chaos.HostnameBind
	case "id.server":
		value = h.cfg.Chaos.IDServer
	case "authors.bind":
		value = h.cfg.Chaos.AuthorsBind
	default:
		return nil, true
	}
	if value == "" {
		return nil, true
	}
	return []dns.RR{&dns.TXT{
		Hdr: dns.RR_Header{Name: dns.Fqdn(name), Rrtype: dns.TypeTXT, Class: dns.ClassCHAOS, Ttl: h.cfg.TTL},
		Txt: []string{value},
	}}, false
}
