// Package zonestore is the Zone Store (ZS) of spec.md §2.2: all naming,
// lookup, wildcard fallback and record lifecycle logic sits here, on top of
// the opaque KS primitives in store. ZS is the single source of truth the
// DNS handler and certificate manager both read and write through.
package zonestore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/net/idna"

	"pendingdns/errs"
	"pendingdns/store"
)

type Type string

const (
	TypeA     Type = "A"
	TypeAAAA  Type = "AAAA"
	TypeCNAME Type = "CNAME"
	TypeANAME Type = "ANAME"
	TypeMX    Type = "MX"
	TypeTXT   Type = "TXT"
	TypeCAA   Type = "CAA"
	TypeNS    Type = "NS"
	TypeURL   Type = "URL"
)

// typeOrder is the sort precedence list() uses, per spec.md §4.1.
var typeOrder = map[Type]int{
	TypeA: 0, TypeAAAA: 1, TypeANAME: 2, TypeCNAME: 3, TypeMX: 4,
	TypeTXT: 5, TypeCAA: 6, TypeURL: 7, TypeNS: 8,
}

const fieldSep = "\x01"

// HealthStatus mirrors the JSON shape stored at d:health:r.
type HealthStatus struct {
	Status bool   `json:"status"`
	Error  string `json:"error,omitempty"`
	Code   int    `json:"code,omitempty"`
}

// RR is a resource record as ZS hands it to callers. Value is the ordered
// tuple described in spec.md §3, type-dependent in shape.
type RR struct {
	Zone      string        `json:"zone,omitempty"`
	Subdomain string        `json:"subdomain,omitempty"`
	Type      Type          `json:"type"`
	Value     []interface{} `json:"value"`
	Hid       string        `json:"-"`
	ID        string        `json:"id,omitempty"`
	// Wildcard holds the full domain name of the wildcard entry that
	// matched, empty for an exact match.
	Wildcard string        `json:"wildcard,omitempty"`
	Health   *HealthStatus `json:"health,omitempty"`
}

// record is the JSON payload stored per hid field in a record hash.
type record struct {
	Zone      string        `json:"zone"`
	Subdomain string        `json:"subdomain"`
	Type      Type          `json:"type"`
	Value     []interface{} `json:"value"`
}

type Store struct {
	ks *store.Store
}

func New(ks *store.Store) *Store {
	return &Store{ks: ks}
}

// --- naming helpers ---

var idnaProfile = idna.New(idna.MapForLookup(), idna.Transitional(true))

// normalize lowercases and A-label encodes a domain for use as a storage
// key. Invalid IDN input is passed through lowercased rather than rejected;
// callers that need strict admissibility checks do that separately.
func normalize(name string) string {
	name = strings.ToLower(strings.TrimSuffix(name, "."))
	if a, err := idnaProfile.ToASCII(name); err == nil {
		return a
	}
	return name
}

func joinName(subdomain, zone string) string {
	if subdomain == "" {
		return zone
	}
	return subdomain + "." + zone
}

func reverseLabels(name string) string {
	labels := strings.Split(name, ".")
	for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
		labels[i], labels[j] = labels[j], labels[i]
	}
	return strings.Join(labels, ".")
}

func recordKey(name string, typ Type) string {
	return "d:" + reverseLabels(name) + ":r:" + string(typ)
}

func zoneIndexKey(zone string) string {
	return "d:" + reverseLabels(zone) + ":z"
}

const (
	healthQueueKey  = "d:health:z"
	healthResultKey = "d:health:r"
)

func healthMember(zone, id string) string {
	return reverseLabels(zone) + ":" + id
}

// newHid returns a short URL-safe random identifier unique within a (name,
// type) record hash. Collisions are astronomically unlikely since it draws
// from a fresh uuid each call; see DESIGN.md for the implication this has
// on update's overwrite semantics.
func newHid() string {
	u := uuid.New()
	return base64.RawURLEncoding.EncodeToString(u[:6])
}

// BuildID encodes (name, type, hid) into the external record id.
func BuildID(name string, typ Type, hid string) string {
	raw := name + fieldSep + string(typ) + fieldSep + hid
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// ParseID reverses BuildID. Round-trips for every id BuildID produces;
// malformed input yields ok=false rather than an error (spec.md §4.1:
// "invalid base64 id" is a logical failure, not a storage one).
func ParseID(id string) (name string, typ Type, hid string, ok bool) {
	raw, err := base64.RawURLEncoding.DecodeString(id)
	if err != nil {
		return "", "", "", false
	}
	parts := strings.Split(string(raw), fieldSep)
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], Type(parts[1]), parts[2], true
}

func nowMs() float64 {
	return float64(time.Now().UnixMilli())
}

// --- health queue maintenance ---

func (s *Store) syncHealthQueue(ctx context.Context, zone, id string, typ Type, value []interface{}) error {
	uri := healthURI(typ, value)
	member := healthMember(zone, id)
	if uri != "" {
		return wrapStorage("zonestore.syncHealthQueue", s.ks.ZAdd(ctx, healthQueueKey, nowMs(), member))
	}
	if err := s.ks.ZRem(ctx, healthQueueKey, member); err != nil {
		return wrapStorage("zonestore.syncHealthQueue", err)
	}
	_, err := s.ks.HDel(ctx, healthResultKey, member)
	return wrapStorage("zonestore.syncHealthQueue", err)
}

func healthURI(typ Type, value []interface{}) string {
	if typ != TypeA && typ != TypeAAAA {
		return ""
	}
	if len(value) < 2 || value[1] == nil {
		return ""
	}
	uri, _ := value[1].(string)
	return uri
}

func wrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*errs.Error); ok {
		return err
	}
	return errs.New(errs.Storage, op, err)
}

// --- public operations ---

// List returns every record under zone, ordered by type then reversed-name.
func (s *Store) List(ctx context.Context, zone string) ([]RR, error) {
	zone = normalize(zone)
	idxKey := zoneIndexKey(zone)
	members, err := s.ks.SMembers(ctx, idxKey)
	if err != nil {
		return nil, wrapStorage("zonestore.List", err)
	}

	type fetched struct {
		key string
		m   map[string]string
		err error
	}
	results := make([]fetched, len(members))
	var wg sync.WaitGroup
	for i, key := range members {
		wg.Add(1)
		go func(i int, key string) {
			defer wg.Done()
			m, err := s.ks.HGetAll(ctx, key)
			results[i] = fetched{key: key, m: m, err: err}
		}(i, key)
	}
	wg.Wait()

	var out []RR
	for _, r := range results {
		if r.err != nil {
			return nil, wrapStorage("zonestore.List", r.err)
		}
		if len(r.m) == 0 {
			// Sweep the stale index entry; best-effort, ignore errors.
			_ = s.ks.SRem(ctx, idxKey, r.key)
			continue
		}
		for hid, raw := range r.m {
			rr, err := decodeRR(raw, hid)
			if err != nil {
				continue
			}
			if err := s.attachHealth(ctx, rr); err != nil {
				return nil, err
			}
			out = append(out, *rr)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if typeOrder[out[i].Type] != typeOrder[out[j].Type] {
			return typeOrder[out[i].Type] < typeOrder[out[j].Type]
		}
		return reverseLabels(joinName(out[i].Subdomain, out[i].Zone)) < reverseLabels(joinName(out[j].Subdomain, out[j].Zone))
	})
	return out, nil
}

func decodeRR(raw, hid string) (*RR, error) {
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, err
	}
	name := joinName(rec.Subdomain, rec.Zone)
	return &RR{
		Zone:      rec.Zone,
		Subdomain: rec.Subdomain,
		Type:      rec.Type,
		Value:     rec.Value,
		Hid:       hid,
		ID:        BuildID(name, rec.Type, hid),
	}, nil
}

func (s *Store) attachHealth(ctx context.Context, rr *RR) error {
	if rr.Type != TypeA && rr.Type != TypeAAAA {
		return nil
	}
	if healthURI(rr.Type, rr.Value) == "" {
		return nil
	}
	member := healthMember(rr.Zone, rr.ID)
	raw, ok, err := s.ks.HGet(ctx, healthResultKey, member)
	if err != nil {
		return wrapStorage("zonestore.attachHealth", err)
	}
	if !ok {
		return nil
	}
	var hs HealthStatus
	if err := json.Unmarshal([]byte(raw), &hs); err != nil {
		return nil
	}
	rr.Health = &hs
	return nil
}

// Add stores a new record under zone/subdomain and returns its id, or nil
// if the (astronomically unlikely) fresh hid collided with an existing
// field — a logical no-op, not an error.
func (s *Store) Add(ctx context.Context, zone, subdomain string, typ Type, value []interface{}, ttl time.Duration) (*string, error) {
	zone = normalize(zone)
	name := joinName(subdomain, zone)
	hid := newHid()
	key := recordKey(name, typ)
	idxKey := zoneIndexKey(zone)

	rec := record{Zone: zone, Subdomain: subdomain, Type: typ, Value: value}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, errs.New(errs.InputRejected, "zonestore.Add", err)
	}

	var hsetCmd *redis.BoolCmd
	err = s.ks.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		hsetCmd = pipe.HSetNX(ctx, key, hid, data)
		pipe.SAdd(ctx, idxKey, key)
		return nil
	})
	if err != nil {
		return nil, wrapStorage("zonestore.Add", err)
	}
	if !hsetCmd.Val() {
		return nil, nil
	}

	if ttl > 0 {
		if err := s.ks.Expire(ctx, key, ttl); err != nil {
			return nil, wrapStorage("zonestore.Add", err)
		}
	}

	id := BuildID(name, typ, hid)
	if err := s.syncHealthQueue(ctx, zone, id, typ, value); err != nil {
		return nil, err
	}
	return &id, nil
}

// Update overwrites an existing record. If the normalized name or type
// changes, the id changes too (delete-then-add); otherwise the same hid is
// overwritten in place via HSET, per spec.md §4.1 and the documented
// "update uses hset not hsetnx" behavior in DESIGN.md.
func (s *Store) Update(ctx context.Context, zone, id, subdomain string, typ Type, value []interface{}) (*string, error) {
	oldName, oldType, hid, ok := ParseID(id)
	if !ok {
		return nil, nil
	}
	zone = normalize(zone)
	newName := joinName(subdomain, zone)

	if newName != oldName || typ != oldType {
		if _, err := s.Delete(ctx, zone, id); err != nil {
			return nil, err
		}
		return s.Add(ctx, zone, subdomain, typ, value, 0)
	}

	key := recordKey(newName, typ)
	rec := record{Zone: zone, Subdomain: subdomain, Type: typ, Value: value}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, errs.New(errs.InputRejected, "zonestore.Update", err)
	}
	if err := s.ks.HSet(ctx, key, hid, string(data)); err != nil {
		return nil, wrapStorage("zonestore.Update", err)
	}
	if err := s.syncHealthQueue(ctx, zone, id, typ, value); err != nil {
		return nil, err
	}
	return &id, nil
}

// Delete removes a record by id, reports whether it existed, and sweeps the
// zone index entry once the record hash becomes empty.
func (s *Store) Delete(ctx context.Context, zone, id string) (bool, error) {
	name, typ, hid, ok := ParseID(id)
	if !ok {
		return false, nil
	}
	key := recordKey(name, typ)

	n, err := s.ks.HDel(ctx, key, hid)
	if err != nil {
		return false, wrapStorage("zonestore.Delete", err)
	}

	exists, err := s.ks.Exists(ctx, key)
	if err != nil {
		return false, wrapStorage("zonestore.Delete", err)
	}
	if !exists {
		if err := s.ks.SRem(ctx, zoneIndexKey(normalize(zone)), key); err != nil {
			return false, wrapStorage("zonestore.Delete", err)
		}
	}

	member := healthMember(normalize(zone), id)
	_ = s.ks.ZRem(ctx, healthQueueKey, member)
	_, _ = s.ks.HDel(ctx, healthResultKey, member)

	return n > 0, nil
}

// DeleteByDomain enumerates the record hash for domain+type and deletes
// matches, optionally filtered by a JSON-equal value. Returns the count of
// fields actually removed (spec.md §9: "true iff the field existed").
func (s *Store) DeleteByDomain(ctx context.Context, domain string, typ Type, valueMatch []interface{}) (int, error) {
	domain = normalize(domain)
	key := recordKey(domain, typ)

	all, err := s.ks.HGetAll(ctx, key)
	if err != nil {
		return 0, wrapStorage("zonestore.DeleteByDomain", err)
	}

	var zone string
	count := 0
	for hid, raw := range all {
		var rec record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		if zone == "" {
			zone = rec.Zone
		}
		if valueMatch != nil && !valuesEqual(rec.Value, valueMatch) {
			continue
		}
		n, err := s.ks.HDel(ctx, key, hid)
		if err != nil {
			return count, wrapStorage("zonestore.DeleteByDomain", err)
		}
		count += int(n)
	}

	if count > 0 {
		exists, err := s.ks.Exists(ctx, key)
		if err != nil {
			return count, wrapStorage("zonestore.DeleteByDomain", err)
		}
		if !exists && zone != "" {
			if err := s.ks.SRem(ctx, zoneIndexKey(zone), key); err != nil {
				return count, wrapStorage("zonestore.DeleteByDomain", err)
			}
		}
	}
	return count, nil
}

func valuesEqual(a, b []interface{}) bool {
	aj, err1 := json.Marshal(a)
	bj, err2 := json.Marshal(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return string(aj) == string(bj)
}

// Resolve looks up domain/type, falling back to a single wildcard
// candidate when no exact record exists. shortMode strips zone/id/subdomain
// from the returned rows for callers on hot query paths that don't need
// them (the DNS handler).
func (s *Store) Resolve(ctx context.Context, domain string, typ Type, shortMode bool) ([]RR, bool, error) {
	domain = normalize(domain)
	rows, found, err := s.fetch(ctx, recordKey(domain, typ), "")
	if err != nil {
		return nil, false, err
	}
	if !found {
		reversed := reverseLabels(domain)
		labels := strings.Split(reversed, ".")
		if len(labels) > 0 {
			labels[len(labels)-1] = "*"
			wildcardReversed := strings.Join(labels, ".")
			wildcardKey := "d:" + wildcardReversed + ":r:" + string(typ)
			wildcardLabels := strings.Split(wildcardReversed, ".")
			for i, j := 0, len(wildcardLabels)-1; i < j; i, j = i+1, j-1 {
				wildcardLabels[i], wildcardLabels[j] = wildcardLabels[j], wildcardLabels[i]
			}
			wildcardName := strings.Join(wildcardLabels, ".")
			rows, found, err = s.fetch(ctx, wildcardKey, wildcardName)
			if err != nil {
				return nil, false, err
			}
		}
	}
	if !found {
		return nil, false, nil
	}

	for i := range rows {
		if err := s.attachHealth(ctx, &rows[i]); err != nil {
			return nil, false, err
		}
		if shortMode {
			rows[i].Zone = ""
			rows[i].Subdomain = ""
			rows[i].ID = ""
		}
	}
	return rows, true, nil
}

func (s *Store) fetch(ctx context.Context, key string, wildcardName string) ([]RR, bool, error) {
	m, err := s.ks.HGetAll(ctx, key)
	if err != nil {
		return nil, false, wrapStorage("zonestore.Resolve", err)
	}
	if len(m) == 0 {
		return nil, false, nil
	}
	var out []RR
	for hid, raw := range m {
		rr, err := decodeRR(raw, hid)
		if err != nil {
			continue
		}
		rr.Wildcard = wildcardName
		out = append(out, *rr)
	}
	return out, len(out) > 0, nil
}

// GetByID fetches a single record directly by its external id, bypassing
// the zone index — used by the health checker, which only ever has the id
// half of a health-queue member to work from.
func (s *Store) GetByID(ctx context.Context, id string) (*RR, bool, error) {
	name, typ, hid, ok := ParseID(id)
	if !ok {
		return nil, false, nil
	}
	key := recordKey(name, typ)
	raw, ok, err := s.ks.HGet(ctx, key, hid)
	if err != nil {
		return nil, false, wrapStorage("zonestore.GetByID", err)
	}
	if !ok {
		return nil, false, nil
	}
	rr, err := decodeRR(raw, hid)
	if err != nil {
		return nil, false, nil
	}
	return rr, true, nil
}

// ResolveZone finds the longest domain suffix with a live zone index,
// treating the two rightmost labels as atomic on the first reduction (a
// documented heuristic, not a public-suffix-list lookup; see DESIGN.md).
func (s *Store) ResolveZone(ctx context.Context, name string) (string, bool, error) {
	name = normalize(name)
	labels := strings.Split(name, ".")
	for i := 0; i <= len(labels)-2; i++ {
		candidate := strings.Join(labels[i:], ".")
		exists, err := s.ks.Exists(ctx, zoneIndexKey(candidate))
		if err != nil {
			return "", false, wrapStorage("zonestore.ResolveZone", err)
		}
		if exists {
			return candidate, true, nil
		}
	}
	return "", false, nil
}

// FormatValue maps an RR's internal tuple to the REST API shape.
func FormatValue(rr RR) map[string]interface{} {
	v := rr.Value
	get := func(i int) interface{} {
		if i < len(v) {
			return v[i]
		}
		return nil
	}
	switch rr.Type {
	case TypeA, TypeAAAA:
		return map[string]interface{}{"address": get(0), "healthCheckURI": get(1)}
	case TypeCNAME, TypeANAME:
		return map[string]interface{}{"target": get(0)}
	case TypeMX:
		return map[string]interface{}{"exchange": get(0), "priority": get(1)}
	case TypeTXT:
		return map[string]interface{}{"data": get(0)}
	case TypeCAA:
		return map[string]interface{}{"value": get(0), "tag": get(1), "flags": get(2)}
	case TypeNS:
		return map[string]interface{}{"nsDomain": get(0)}
	case TypeURL:
		return map[string]interface{}{"url": get(0), "statusCode": get(1), "proxy": get(2)}
	default:
		return map[string]interface{}{}
	}
}

// NormalizeDomain exposes the package's A-label normalization to callers
// outside zonestore (DH, CM) that need the same rule applied to query
// names and challenge domains.
func NormalizeDomain(name string) string {
	return normalize(name)
}
