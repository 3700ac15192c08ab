// Package iprules is the per-(UID, address, port) rule table and its
// most-specific-match lookup.
//
// Lookup order for an app UID: exact host and port, host with wildcard port,
// then the longest containing subnet (port before wildcard), then the same
// sequence for the universal scope. Rows with StatusNone only carry proxy
// assignments and never decide a lookup.
package iprules

import (
	"net/netip"
	"sort"
	"sync"

	"grimm.is/appwall/internal/clock"
	"grimm.is/appwall/internal/keylock"
	"grimm.is/appwall/internal/ledger"
	"grimm.is/appwall/internal/logging"
	"grimm.is/appwall/internal/policy"
)

const table = "ip_rules"

// Persister receives every committed change. Implementations must not block
// on I/O.
type Persister interface {
	PersistIPRule(r Rule)
	DeleteIPRule(k Key)
}

// Change describes one committed mutation. Before is nil for a create and
// After is nil for a delete.
type Change struct {
	Op     string
	Before *Rule
	After  *Rule
}

// Config configures a Resolver.
type Config struct {
	Logger    *logging.Logger
	Ledger    *ledger.Ledger
	Locks     *keylock.Striped
	Persister Persister
	Observer  policy.MutationObserver
	CacheSize int
}

// Stats is a snapshot of resolver counters.
type Stats struct {
	Rules       int    `json:"rules"`
	Subnets     int    `json:"subnets"`
	CacheSize   int    `json:"cache_size"`
	CacheHits   uint64 `json:"cache_hits"`
	CacheMisses uint64 `json:"cache_misses"`
}

// LoadResult reports what Load did with persisted rows.
type LoadResult struct {
	Loaded       int `json:"loaded"`
	Skipped      int `json:"skipped"`
	OverCapacity int `json:"over_capacity"`
}

// Resolver holds the IP rule index.
type Resolver struct {
	mu      sync.RWMutex
	rows    map[Key]Rule
	subnets map[policy.UID]map[netip.Prefix]int
	sorted  map[policy.UID][]netip.Prefix // longest first

	ledger   *ledger.Ledger
	locks    *keylock.Striped
	cache    *resultsCache
	persist  Persister
	observe  policy.MutationObserver
	logger   *logging.Logger
	onChange func(Change)
}

// New creates an empty resolver. A nil Ledger gets a private one with
// capacity 1.
func New(cfg Config) *Resolver {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Ledger == nil {
		cfg.Ledger = ledger.New(1)
	}
	if cfg.Locks == nil {
		cfg.Locks = keylock.New(0)
	}
	return &Resolver{
		rows:    make(map[Key]Rule),
		subnets: make(map[policy.UID]map[netip.Prefix]int),
		sorted:  make(map[policy.UID][]netip.Prefix),
		ledger:  cfg.Ledger,
		locks:   cfg.Locks,
		cache:   newResultsCache(cfg.CacheSize),
		persist: cfg.Persister,
		observe: cfg.Observer,
		logger:  cfg.Logger.WithComponent("iprules"),
	}
}

// SetChangeCallback registers fn to be called after every committed change.
func (r *Resolver) SetChangeCallback(fn func(Change)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// Resolve returns the status of the most specific matching rule, or
// StatusNone. A malformed ip never matches.
func (r *Resolver) Resolve(uid policy.UID, ip string, port uint16) Status {
	addr, ok := ParseAddr(ip)
	if !ok {
		return StatusNone
	}
	rule, ok := r.Match(uid, addr, port)
	if !ok {
		return StatusNone
	}
	return rule.Status
}

// Match returns the most specific rule with a status for (uid, addr, port).
func (r *Resolver) Match(uid policy.UID, addr netip.Addr, port uint16) (Rule, bool) {
	if !addr.IsValid() {
		return Rule{}, false
	}
	addr = addr.WithZone("").Unmap()
	k := cacheKey{uid: uid, addr: addr, port: port}
	// The generation is read before the index so that a concurrent mutation
	// makes this result uncacheable.
	e, gen, ok := r.cache.get(k)
	if ok {
		return e.rule, e.found
	}
	r.mu.RLock()
	rule, found := r.matchLocked(uid, addr, port, decides)
	r.mu.RUnlock()
	r.cache.put(k, cacheEntry{rule: rule, found: found}, gen)
	return rule, found
}

// ProxyFor returns the most specific rule that carries a proxy assignment
// for (uid, ip, port), whatever its status.
func (r *Resolver) ProxyFor(uid policy.UID, addr netip.Addr, port uint16) (Rule, bool) {
	if !addr.IsValid() {
		return Rule{}, false
	}
	addr = addr.WithZone("").Unmap()
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.matchLocked(uid, addr, port, Rule.HasProxy)
}

// MatchApp is Match restricted to rules owned by uid itself. Universal rules
// are not consulted and the results cache is bypassed.
func (r *Resolver) MatchApp(uid policy.UID, addr netip.Addr, port uint16) (Rule, bool) {
	if !addr.IsValid() {
		return Rule{}, false
	}
	addr = addr.WithZone("").Unmap()
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.matchIn([]policy.UID{uid}, addr, port, decides)
}

func decides(rule Rule) bool { return rule.Status != StatusNone }

func scopes(uid policy.UID) []policy.UID {
	if uid == policy.Everybody {
		return []policy.UID{policy.Everybody}
	}
	return []policy.UID{uid, policy.Everybody}
}

func (r *Resolver) matchLocked(uid policy.UID, addr netip.Addr, port uint16, want func(Rule) bool) (Rule, bool) {
	return r.matchIn(scopes(uid), addr, port, want)
}

func (r *Resolver) matchIn(scopes []policy.UID, addr netip.Addr, port uint16, want func(Rule) bool) (Rule, bool) {
	for _, scope := range scopes {
		if rule, ok := r.lookup(Key{UID: scope, IP: addr.String(), Port: port}, want); ok {
			return rule, true
		}
		for _, p := range r.sorted[scope] {
			if !p.Contains(addr) {
				continue
			}
			if rule, ok := r.lookup(Key{UID: scope, IP: p.String(), Port: port}, want); ok {
				return rule, true
			}
		}
	}
	return Rule{}, false
}

// lookup tries k, then k with the wildcard port.
func (r *Resolver) lookup(k Key, want func(Rule) bool) (Rule, bool) {
	if k.Port != 0 {
		if rule, ok := r.rows[k]; ok && want(rule) {
			return rule, true
		}
		k.Port = 0
	}
	rule, ok := r.rows[k]
	if ok && want(rule) {
		return rule, true
	}
	return Rule{}, false
}

// Get returns the stored row for (uid, ip, port).
func (r *Resolver) Get(uid policy.UID, ip string, port uint16) (Rule, bool) {
	canon, err := CanonicalIP(ip)
	if err != nil {
		return Rule{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rows[Key{UID: uid, IP: canon, Port: port}]
	return rule, ok
}

// List returns the rows owned by uid, ordered by address then port.
func (r *Resolver) List(uid policy.UID) []Rule {
	return r.collect(func(rule Rule) bool { return rule.UID == uid })
}

// All returns every row.
func (r *Resolver) All() []Rule {
	return r.collect(func(Rule) bool { return true })
}

func (r *Resolver) collect(keep func(Rule) bool) []Rule {
	r.mu.RLock()
	var out []Rule
	for _, rule := range r.rows {
		if keep(rule) {
			out = append(out, rule)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.UID != b.UID {
			return a.UID < b.UID
		}
		if a.IP != b.IP {
			return a.IP < b.IP
		}
		return a.Port < b.Port
	})
	return out
}

// Upsert creates or updates the row for rule's key. The proxy fields of an
// existing row are kept unless rule carries a proxy; writing the same status
// and proxy again changes nothing.
func (r *Resolver) Upsert(rule Rule) (Rule, error) {
	const op = "upsert"
	if !rule.Status.Valid() {
		return r.fail(op, rule.Key().String(), policy.ErrInvalidStatus)
	}
	return r.write(op, rule.UID, rule.IP, rule.Port, rule.ProxyCC, func(next *Rule, cc string) {
		next.Status = rule.Status
		if rule.HasProxy() {
			next.ProxyID = rule.ProxyID
			next.ProxyCC = cc
		}
	})
}

// AssignProxy replaces only the proxy fields of a row, creating a
// StatusNone row when none exists. Empty proxyID and proxyCC clear the
// assignment.
func (r *Resolver) AssignProxy(uid policy.UID, ip string, port uint16, proxyID, proxyCC string) (Rule, error) {
	return r.write("assign_proxy", uid, ip, port, proxyCC, func(next *Rule, cc string) {
		next.ProxyID = proxyID
		next.ProxyCC = cc
	})
}

func (r *Resolver) write(op string, uid policy.UID, ip string, port uint16, cc string, apply func(next *Rule, cc string)) (Rule, error) {
	if err := policy.CheckUID(op, uid); err != nil {
		r.observe.Observe(table, op, err)
		return Rule{}, err
	}
	prefix, err := Canonicalize(ip)
	if err != nil {
		return r.fail(op, ip, err)
	}
	cc, err = policy.NormalizeCC(cc)
	if err != nil {
		return r.fail(op, ip, err)
	}
	key := Key{UID: uid, IP: Format(prefix), Port: port}

	unlock := r.locks.Lock("ip:" + key.String())
	defer unlock()

	r.mu.RLock()
	cur, had := r.rows[key]
	r.mu.RUnlock()

	next := cur
	if !had {
		next = Rule{UID: uid, IP: key.IP, Port: port}
	}
	apply(&next, cc)
	if had && next.Status == cur.Status && next.ProxyID == cur.ProxyID && next.ProxyCC == cur.ProxyCC {
		r.observe.Observe(table, op, nil)
		return cur, nil
	}

	if !r.ledger.Swap(cur.ProxyCC, next.ProxyCC) {
		return r.fail(op, key.String(), policy.ErrCapacityExceeded)
	}
	next.ModifiedAt = clock.Now()

	var before *Rule
	if had {
		before = &cur
	}
	r.commit(op, key, prefix, before, &next)
	return next, nil
}

// Delete removes the row for (uid, ip, port) and releases its proxy
// reservation.
func (r *Resolver) Delete(uid policy.UID, ip string, port uint16) error {
	const op = "delete"
	if err := policy.CheckUID(op, uid); err != nil {
		r.observe.Observe(table, op, err)
		return err
	}
	prefix, err := Canonicalize(ip)
	if err != nil {
		_, err = r.fail(op, ip, err)
		return err
	}
	key := Key{UID: uid, IP: Format(prefix), Port: port}

	unlock := r.locks.Lock("ip:" + key.String())
	defer unlock()
	return r.deleteLocked(op, key, prefix)
}

func (r *Resolver) deleteLocked(op string, key Key, prefix netip.Prefix) error {
	r.mu.RLock()
	cur, had := r.rows[key]
	r.mu.RUnlock()
	if !had {
		_, err := r.fail(op, key.String(), policy.ErrNotFound)
		return err
	}
	if cur.ProxyCC != "" {
		r.ledger.Release(cur.ProxyCC)
	}
	r.commit(op, key, prefix, &cur, nil)
	return nil
}

// DeleteByUID removes every row owned by uid and returns how many went.
func (r *Resolver) DeleteByUID(uid policy.UID) (int, error) {
	if err := policy.CheckUID("delete_by_uid", uid); err != nil {
		r.observe.Observe(table, "delete_by_uid", err)
		return 0, err
	}
	n := 0
	for _, rule := range r.List(uid) {
		prefix, err := Canonicalize(rule.IP)
		if err != nil {
			continue
		}
		unlock := r.locks.Lock("ip:" + rule.Key().String())
		if r.deleteLocked("delete_by_uid", rule.Key(), prefix) == nil {
			n++
		}
		unlock()
	}
	return n, nil
}

// UpdateUID moves every row of oldUID to newUID. A row already present at
// the destination key is replaced.
func (r *Resolver) UpdateUID(oldUID, newUID policy.UID) (int, error) {
	const op = "update_uid"
	for _, uid := range []policy.UID{oldUID, newUID} {
		if !uid.IsApp() {
			err := policy.Errorf(op, uid.String(), policy.ErrInvalidTarget)
			r.observe.Observe(table, op, err)
			return 0, err
		}
	}
	if oldUID == newUID {
		return 0, nil
	}

	n := 0
	for _, rule := range r.List(oldUID) {
		prefix, err := Canonicalize(rule.IP)
		if err != nil {
			continue
		}
		from := rule.Key()
		to := Key{UID: newUID, IP: from.IP, Port: from.Port}
		unlock := r.locks.LockPair("ip:"+from.String(), "ip:"+to.String())

		r.mu.RLock()
		cur, had := r.rows[from]
		dst, dstHad := r.rows[to]
		r.mu.RUnlock()
		if had {
			if dstHad {
				if dst.ProxyCC != "" {
					r.ledger.Release(dst.ProxyCC)
				}
				r.commit(op, to, prefix, &dst, nil)
			}
			moved := cur
			moved.UID = newUID
			moved.ModifiedAt = clock.Now()
			r.commit(op, from, prefix, &cur, nil)
			r.commit(op, to, prefix, nil, &moved)
			n++
		}
		unlock()
	}
	if n > 0 {
		r.logger.Audit(op, "ip_rules:"+oldUID.String(), map[string]any{"new_uid": int(newUID), "rows": n})
	}
	return n, nil
}

// Load replaces the index with persisted rows. Rows that fail validation
// are skipped. Proxy reservations are re-taken without a capacity check so
// that a lowered capacity never drops user rules; overflow is counted.
func (r *Resolver) Load(rows []Rule) LoadResult {
	var res LoadResult

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, old := range r.rows {
		if old.ProxyCC != "" {
			r.ledger.Release(old.ProxyCC)
		}
	}
	r.rows = make(map[Key]Rule, len(rows))
	r.subnets = make(map[policy.UID]map[netip.Prefix]int)
	r.sorted = make(map[policy.UID][]netip.Prefix)

	for _, rule := range rows {
		prefix, err := Canonicalize(rule.IP)
		cc, ccErr := policy.NormalizeCC(rule.ProxyCC)
		if err != nil || ccErr != nil || !rule.UID.Valid() || !rule.Status.Valid() {
			res.Skipped++
			continue
		}
		rule.IP = Format(prefix)
		rule.ProxyCC = cc
		if _, dup := r.rows[rule.Key()]; dup {
			res.Skipped++
			continue
		}
		if cc != "" && r.ledger.Force(cc) {
			res.OverCapacity++
		}
		r.rows[rule.Key()] = rule
		r.indexSubnetLocked(rule.UID, prefix, 1)
		res.Loaded++
	}
	r.cache.invalidate()

	if res.Skipped > 0 || res.OverCapacity > 0 {
		r.logger.Warn("ip rules loaded with problems", "loaded", res.Loaded, "skipped", res.Skipped, "over_capacity", res.OverCapacity)
	}
	return res
}

// Stats returns a snapshot of resolver counters.
func (r *Resolver) Stats() Stats {
	r.mu.RLock()
	st := Stats{Rules: len(r.rows)}
	for _, ps := range r.sorted {
		st.Subnets += len(ps)
	}
	r.mu.RUnlock()
	st.CacheSize = r.cache.size()
	st.CacheHits = r.cache.hits.Load()
	st.CacheMisses = r.cache.misses.Load()
	return st
}

// CacheCounters returns results-cache hits and misses.
func (r *Resolver) CacheCounters() (hits, misses uint64) {
	return r.cache.hits.Load(), r.cache.misses.Load()
}

// commit applies a change to the index and fans it out. The caller holds
// the key lock and has already settled the ledger.
func (r *Resolver) commit(op string, key Key, prefix netip.Prefix, before, after *Rule) {
	r.mu.Lock()
	switch {
	case after != nil:
		r.rows[key] = *after
		if before == nil {
			r.indexSubnetLocked(key.UID, prefix, 1)
		}
	default:
		delete(r.rows, key)
		r.indexSubnetLocked(key.UID, prefix, -1)
	}
	onChange := r.onChange
	r.mu.Unlock()
	r.cache.invalidate()

	if r.persist != nil {
		if after != nil {
			r.persist.PersistIPRule(*after)
		} else {
			r.persist.DeleteIPRule(key)
		}
	}
	if onChange != nil {
		onChange(Change{Op: op, Before: before, After: after})
	}
	r.observe.Observe(table, op, nil)

	details := map[string]any{"port": int(key.Port)}
	if after != nil {
		details["status"] = after.Status.String()
		details["proxy_cc"] = after.ProxyCC
	}
	r.logger.Audit(op, "ip_rule:"+key.UID.String()+"/"+key.IP, details)
}

func (r *Resolver) indexSubnetLocked(uid policy.UID, prefix netip.Prefix, delta int) {
	if prefix.IsSingleIP() {
		return
	}
	m := r.subnets[uid]
	if m == nil {
		m = make(map[netip.Prefix]int)
		r.subnets[uid] = m
	}
	before := m[prefix]
	m[prefix] += delta
	if m[prefix] <= 0 {
		delete(m, prefix)
	}
	if (before > 0) == (m[prefix] > 0) {
		return
	}
	ps := make([]netip.Prefix, 0, len(m))
	for p := range m {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Bits() != ps[j].Bits() {
			return ps[i].Bits() > ps[j].Bits()
		}
		return ps[i].Addr().Less(ps[j].Addr())
	})
	if len(ps) == 0 {
		delete(r.subnets, uid)
		delete(r.sorted, uid)
		return
	}
	r.sorted[uid] = ps
}

func (r *Resolver) fail(op, target string, err error) (Rule, error) {
	err = policy.Errorf(op, target, err)
	r.observe.Observe(table, op, err)
	return Rule{}, err
}
