package dnsh

import (
	"net"

	"github.com/miekg/dns"
	"golang.org/x/net/idna"

	"pendingdns/zonestore"
)

var idnaProfile = idna.New(idna.MapForLookup(), idna.Transitional(true))

// punycode A-label encodes a domain-valued field for wire serialization
// (spec.md §4.4 step 7). Invalid IDN input passes through unchanged rather
// than failing the whole answer.
func punycode(name string) string {
	if a, err := idnaProfile.ToASCII(name); err == nil {
		return a
	}
	return name
}

func rrValueString(rr zonestore.RR, i int) string {
	if i >= len(rr.Value) {
		return ""
	}
	s, _ := rr.Value[i].(string)
	return s
}

// All serialize helpers take the queried name explicitly rather than
// rebuilding it from each row's zone/subdomain: a wildcard match answers
// under the name that was actually asked for, not the template name the
// wildcard is stored under.

func toAddressRRs(name string, rows []zonestore.RR, typ zonestore.Type, ttl uint32) []dns.RR {
	fqdn := dns.Fqdn(name)
	var out []dns.RR
	for _, rr := range rows {
		addr := rrValueString(rr, 0)
		if typ == zonestore.TypeAAAA {
			out = append(out, &dns.AAAA{
				Hdr:  dns.RR_Header{Name: fqdn, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: ttl},
				AAAA: net.ParseIP(addr),
			})
		} else {
			out = append(out, &dns.A{
				Hdr: dns.RR_Header{Name: fqdn, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
				A:   net.ParseIP(addr).To4(),
			})
		}
	}
	return out
}

// toAddressStrings builds A/AAAA answers directly from resolved address
// strings, used by the ANAME/URL synthesis paths which don't carry a
// zonestore.RR to pull a name from.
func toAddressStrings(name string, addrs []string, rrType string, ttl uint32) []dns.RR {
	var out []dns.RR
	fqdn := dns.Fqdn(name)
	for _, addr := range addrs {
		if rrType == "AAAA" {
			out = append(out, &dns.AAAA{
				Hdr:  dns.RR_Header{Name: fqdn, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: ttl},
				AAAA: net.ParseIP(addr),
			})
		} else {
			out = append(out, &dns.A{
				Hdr: dns.RR_Header{Name: fqdn, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
				A:   net.ParseIP(addr).To4(),
			})
		}
	}
	return out
}

func toMXRRs(name string, rows []zonestore.RR, ttl uint32) []dns.RR {
	fqdn := dns.Fqdn(name)
	var out []dns.RR
	for _, rr := range rows {
		out = append(out, &dns.MX{
			Hdr:        dns.RR_Header{Name: fqdn, Rrtype: dns.TypeMX, Class: dns.ClassINET, Ttl: ttl},
			Mx:         dns.Fqdn(punycode(rrValueString(rr, 0))),
			Preference: uint16(mxPriority(rr)),
		})
	}
	return out
}

func toTXTRRs(name string, rows []zonestore.RR, ttl uint32) []dns.RR {
	fqdn := dns.Fqdn(name)
	var out []dns.RR
	for _, rr := range rows {
		data := rrValueString(rr, 0)
		out = append(out, &dns.TXT{
			Hdr: dns.RR_Header{Name: fqdn, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: ttl},
			Txt: chunkTXT(data),
		})
	}
	return out
}

// chunkTXT splits a value into <=84-byte pieces once it reaches 128 bytes,
// per spec.md §4.4 step 7 / §8 "TXT chunking".
func chunkTXT(data string) []string {
	if len(data) < txtChunkThreshold {
		return []string{data}
	}
	var chunks []string
	for len(data) > 0 {
		n := txtChunkSize
		if n > len(data) {
			n = len(data)
		}
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}

func toNSRRs(name string, rows []zonestore.RR, ttl uint32) []dns.RR {
	fqdn := dns.Fqdn(name)
	var out []dns.RR
	for _, rr := range rows {
		out = append(out, &dns.NS{
			Hdr: dns.RR_Header{Name: fqdn, Rrtype: dns.TypeNS, Class: dns.ClassINET, Ttl: ttl},
			Ns:  dns.Fqdn(punycode(rrValueString(rr, 0))),
		})
	}
	return out
}

func toCAARRs(name string, rows []zonestore.RR, ttl uint32) []dns.RR {
	fqdn := dns.Fqdn(name)
	var out []dns.RR
	for _, rr := range rows {
		flags := uint8(0)
		if len(rr.Value) > 2 {
			switch f := rr.Value[2].(type) {
			case float64:
				flags = uint8(f)
			case int:
				flags = uint8(f)
			}
		}
		out = append(out, &dns.CAA{
			Hdr:   dns.RR_Header{Name: fqdn, Rrtype: dns.TypeCAA, Class: dns.ClassINET, Ttl: ttl},
			Flag:  flags,
			Tag:   rrValueString(rr, 1),
			Value: rrValueString(rr, 0),
		})
	}
	return out
}

func toCNAMERR(name, target string, ttl uint32) dns.RR {
	return &dns.CNAME{
		Hdr:    dns.RR_Header{Name: dns.Fqdn(name), Rrtype: dns.TypeCNAME, Class: dns.ClassINET, Ttl: ttl},
		Target: dns.Fqdn(punycode(target)),
	}
}
