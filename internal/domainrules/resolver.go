// Package domainrules is the per-(UID, domain) rule table.
//
// Domains are matched exactly on their canonical form, first at app scope
// and then at universal scope. There is no suffix or substring matching.
package domainrules

import (
	"sort"
	"strings"
	"sync"

	"grimm.is/appwall/internal/clock"
	"grimm.is/appwall/internal/keylock"
	"grimm.is/appwall/internal/ledger"
	"grimm.is/appwall/internal/logging"
	"grimm.is/appwall/internal/policy"
)

const table = "domain_rules"

// Persister receives every committed change. Implementations must not block
// on I/O.
type Persister interface {
	PersistDomainRule(r Rule)
	DeleteDomainRule(k Key)
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
}

// LoadResult reports what Load did with persisted rows.
type LoadResult struct {
	Loaded       int `json:"loaded"`
	Skipped      int `json:"skipped"`
	OverCapacity int `json:"over_capacity"`
}

// Resolver holds the domain rule index.
type Resolver struct {
	mu      sync.RWMutex
	rows    map[Key]Rule
	trusted map[string]int // domain -> trusting rows across all scopes

	ledger   *ledger.Ledger
	locks    *keylock.Striped
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
		trusted: make(map[string]int),
		ledger:  cfg.Ledger,
		locks:   cfg.Locks,
		persist: cfg.Persister,
		observe: cfg.Observer,
		logger:  cfg.Logger.WithComponent("domainrules"),
	}
}

// SetChangeCallback registers fn to be called after every committed change.
func (r *Resolver) SetChangeCallback(fn func(Change)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// Resolve returns the status for domain at app scope, falling back to the
// universal scope. Invalid domains resolve to StatusNone.
func (r *Resolver) Resolve(uid policy.UID, domain string) Status {
	rule, ok := r.Match(uid, domain)
	if !ok {
		return StatusNone
	}
	return rule.Status
}

// Match returns the rule that decides domain for uid.
func (r *Resolver) Match(uid policy.UID, domain string) (Rule, bool) {
	return r.find(uid, domain, func(rule Rule) bool { return rule.Status != StatusNone })
}

// MatchApp is Match restricted to rules owned by uid itself.
func (r *Resolver) MatchApp(uid policy.UID, domain string) (Rule, bool) {
	name, ok := lookupKey(domain)
	if !ok {
		return Rule{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rule, ok := r.rows[Key{UID: uid, Domain: name}]; ok && rule.Status != StatusNone {
		return rule, true
	}
	return Rule{}, false
}

// ProxyFor returns the rule that assigns a proxy to domain for uid.
func (r *Resolver) ProxyFor(uid policy.UID, domain string) (Rule, bool) {
	return r.find(uid, domain, Rule.HasProxy)
}

func (r *Resolver) find(uid policy.UID, domain string, want func(Rule) bool) (Rule, bool) {
	name, ok := lookupKey(domain)
	if !ok {
		return Rule{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rule, ok := r.rows[Key{UID: uid, Domain: name}]; ok && want(rule) {
		return rule, true
	}
	if uid != policy.Everybody {
		if rule, ok := r.rows[Key{UID: policy.Everybody, Domain: name}]; ok && want(rule) {
			return rule, true
		}
	}
	return Rule{}, false
}

// IsTrusted reports whether any scope trusts domain.
func (r *Resolver) IsTrusted(domain string) bool {
	name, ok := lookupKey(domain)
	if !ok {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.trusted[name] > 0
}

// Get returns the stored row for (uid, domain).
func (r *Resolver) Get(uid policy.UID, domain string) (Rule, bool) {
	name, ok := lookupKey(domain)
	if !ok {
		return Rule{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rows[Key{UID: uid, Domain: name}]
	return rule, ok
}

// List returns the rows owned by uid ordered by domain.
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
		if out[i].UID != out[j].UID {
			return out[i].UID < out[j].UID
		}
		return out[i].Domain < out[j].Domain
	})
	return out
}

// CountByCC returns how many rows route through proxy country code cc.
func (r *Resolver) CountByCC(cc string) int {
	cc, err := policy.NormalizeCC(cc)
	if err != nil || cc == "" {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, rule := range r.rows {
		if rule.ProxyCC == cc {
			n++
		}
	}
	return n
}

// UniqueCCs returns the sorted set of proxy country codes in use.
func (r *Resolver) UniqueCCs() []string {
	r.mu.RLock()
	seen := make(map[string]struct{})
	for _, rule := range r.rows {
		if rule.ProxyCC != "" {
			seen[rule.ProxyCC] = struct{}{}
		}
	}
	r.mu.RUnlock()
	out := make([]string, 0, len(seen))
	for cc := range seen {
		out = append(out, cc)
	}
	sort.Strings(out)
	return out
}

// Upsert creates or updates the row for rule's key. Proxy fields of an
// existing row are kept unless rule carries a proxy; writing the same
// status, type and proxy again changes nothing.
func (r *Resolver) Upsert(rule Rule) (Rule, error) {
	const op = "upsert"
	if !rule.Status.Valid() {
		return r.fail(op, rule.Key().String(), policy.ErrInvalidStatus)
	}
	return r.write(op, rule.UID, rule.Domain, rule.Type, rule.ProxyCC, func(next *Rule, cc string) {
		next.Status = rule.Status
		next.Type = rule.Type
		if rule.HasProxy() {
			next.ProxyID = rule.ProxyID
			next.ProxyCC = cc
		}
	})
}

// AssignProxy replaces only the proxy fields of a row, creating a
// StatusNone row when none exists. Empty proxyID and proxyCC clear the
// assignment.
func (r *Resolver) AssignProxy(uid policy.UID, domain, proxyID, proxyCC string) (Rule, error) {
	typ := TypeExact
	if strings.HasPrefix(strings.TrimSpace(domain), wildcardPrefix) {
		typ = TypeWildcard
	}
	return r.write("assign_proxy", uid, domain, typ, proxyCC, func(next *Rule, cc string) {
		next.ProxyID = proxyID
		next.ProxyCC = cc
	})
}

func (r *Resolver) write(op string, uid policy.UID, domain string, typ Type, cc string, apply func(next *Rule, cc string)) (Rule, error) {
	if err := policy.CheckUID(op, uid); err != nil {
		r.observe.Observe(table, op, err)
		return Rule{}, err
	}
	name, err := Canonicalize(domain, typ)
	if err != nil {
		return r.fail(op, domain, err)
	}
	cc, err = policy.NormalizeCC(cc)
	if err != nil {
		return r.fail(op, name, err)
	}
	key := Key{UID: uid, Domain: name}

	unlock := r.locks.Lock("domain:" + key.String())
	defer unlock()

	r.mu.RLock()
	cur, had := r.rows[key]
	r.mu.RUnlock()

	next := cur
	if !had {
		next = Rule{UID: uid, Domain: name, Type: typ}
	}
	apply(&next, cc)
	if had && next.Status == cur.Status && next.Type == cur.Type &&
		next.ProxyID == cur.ProxyID && next.ProxyCC == cur.ProxyCC {
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
	r.commit(op, key, before, &next)
	return next, nil
}

// Delete removes the row for (uid, domain) and releases its proxy
// reservation.
func (r *Resolver) Delete(uid policy.UID, domain string) error {
	const op = "delete"
	if err := policy.CheckUID(op, uid); err != nil {
		r.observe.Observe(table, op, err)
		return err
	}
	name, ok := lookupKey(domain)
	if !ok {
		_, err := r.fail(op, domain, policy.ErrInvalidDomain)
		return err
	}
	key := Key{UID: uid, Domain: name}

	unlock := r.locks.Lock("domain:" + key.String())
	defer unlock()
	return r.deleteLocked(op, key)
}

func (r *Resolver) deleteLocked(op string, key Key) error {
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
	r.commit(op, key, &cur, nil)
	return nil
}

// DeleteByUID removes every row owned by uid and returns how many went.
func (r *Resolver) DeleteByUID(uid policy.UID) (int, error) {
	const op = "delete_by_uid"
	if err := policy.CheckUID(op, uid); err != nil {
		r.observe.Observe(table, op, err)
		return 0, err
	}
	n := 0
	for _, rule := range r.List(uid) {
		unlock := r.locks.Lock("domain:" + rule.Key().String())
		if r.deleteLocked(op, rule.Key()) == nil {
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
		from := rule.Key()
		to := Key{UID: newUID, Domain: from.Domain}
		unlock := r.locks.LockPair("domain:"+from.String(), "domain:"+to.String())

		r.mu.RLock()
		cur, had := r.rows[from]
		dst, dstHad := r.rows[to]
		r.mu.RUnlock()
		if had {
			if dstHad {
				if dst.ProxyCC != "" {
					r.ledger.Release(dst.ProxyCC)
				}
				r.commit(op, to, &dst, nil)
			}
			moved := cur
			moved.UID = newUID
			moved.ModifiedAt = clock.Now()
			r.commit(op, from, &cur, nil)
			r.commit(op, to, nil, &moved)
			n++
		}
		unlock()
	}
	if n > 0 {
		r.logger.Audit(op, "domain_rules:"+oldUID.String(), map[string]any{"new_uid": int(newUID), "rows": n})
	}
	return n, nil
}

// Load replaces the index with persisted rows. Invalid rows are skipped;
// proxy reservations are re-taken without a capacity check and overflow is
// counted.
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
	r.trusted = make(map[string]int)

	for _, rule := range rows {
		name, err := Canonicalize(rule.Domain, rule.Type)
		cc, ccErr := policy.NormalizeCC(rule.ProxyCC)
		if err != nil || ccErr != nil || !rule.UID.Valid() || !rule.Status.Valid() {
			res.Skipped++
			continue
		}
		rule.Domain = name
		rule.ProxyCC = cc
		if _, dup := r.rows[rule.Key()]; dup {
			res.Skipped++
			continue
		}
		if cc != "" && r.ledger.Force(cc) {
			res.OverCapacity++
		}
		r.rows[rule.Key()] = rule
		if rule.Status == StatusTrust {
			r.trusted[name]++
		}
		res.Loaded++
	}

	if res.Skipped > 0 || res.OverCapacity > 0 {
		r.logger.Warn("domain rules loaded with problems", "loaded", res.Loaded, "skipped", res.Skipped, "over_capacity", res.OverCapacity)
	}
	return res
}

// Len returns the number of rows.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rows)
}

func (r *Resolver) commit(op string, key Key, before, after *Rule) {
	r.mu.Lock()
	if before != nil && before.Status == StatusTrust {
		if r.trusted[key.Domain]--; r.trusted[key.Domain] <= 0 {
			delete(r.trusted, key.Domain)
		}
	}
	if after != nil {
		r.rows[key] = *after
		if after.Status == StatusTrust {
			r.trusted[key.Domain]++
		}
	} else {
		delete(r.rows, key)
	}
	onChange := r.onChange
	r.mu.Unlock()

	if r.persist != nil {
		if after != nil {
			r.persist.PersistDomainRule(*after)
		} else {
			r.persist.DeleteDomainRule(key)
		}
	}
	if onChange != nil {
		onChange(Change{Op: op, Before: before, After: after})
	}
	r.observe.Observe(table, op, nil)

	details := map[string]any{}
	if after != nil {
		details["status"] = after.Status.String()
		details["proxy_cc"] = after.ProxyCC
	}
	r.logger.Audit(op, "domain_rule:"+key.String(), details)
}

func (r *Resolver) fail(op, target string, err error) (Rule, error) {
	err = policy.Errorf(op, target, err)
	r.observe.Observe(table, op, err)
	return Rule{}, err
}
