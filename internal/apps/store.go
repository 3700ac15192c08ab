// Package apps holds per-app firewall policy: the override mode and the
// per-network connection mode for every installed UID.
//
// Reads take a shared lock on the in-memory index only. Writes to one UID are
// serialized through a striped key lock, applied to the index and then handed
// to the Persister, which is expected to queue the write without blocking.
package apps

import (
	"sort"
	"sync"
	"time"

	"grimm.is/appwall/internal/clock"
	"grimm.is/appwall/internal/keylock"
	"grimm.is/appwall/internal/logging"
	"grimm.is/appwall/internal/policy"
)

const table = "app_policies"

// AppPolicy is the stored policy for one app.
type AppPolicy struct {
	UID            policy.UID            `json:"uid"`
	FirewallMode   policy.FirewallMode   `json:"firewall_mode"`
	ConnectionMode policy.ConnectionMode `json:"connection_mode"`
	ModifiedAt     time.Time             `json:"modified_at,omitempty"`
}

// Default is the policy of an app with no stored row.
func Default(uid policy.UID) AppPolicy {
	return AppPolicy{UID: uid, FirewallMode: policy.FirewallNone, ConnectionMode: policy.ConnAllow}
}

// IsDefault reports whether p carries no override and no block.
func (p AppPolicy) IsDefault() bool {
	return p.FirewallMode == policy.FirewallNone && p.ConnectionMode == policy.ConnAllow
}

func (p AppPolicy) sameAs(o AppPolicy) bool {
	return p.FirewallMode == o.FirewallMode && p.ConnectionMode == o.ConnectionMode
}

// Persister receives every committed change. Implementations must not block
// on I/O.
type Persister interface {
	PersistAppPolicy(p AppPolicy)
	DeleteAppPolicy(uid policy.UID)
}

// Config configures a Store.
type Config struct {
	Logger    *logging.Logger
	Persister Persister
	Locks     *keylock.Striped
	Observer  policy.MutationObserver
}

// Store is the in-memory AppPolicy index.
type Store struct {
	mu   sync.RWMutex
	rows map[policy.UID]AppPolicy

	locks    *keylock.Striped
	persist  Persister
	observe  policy.MutationObserver
	logger   *logging.Logger
	onChange func(old, new AppPolicy)
}

// NewStore creates an empty store.
func NewStore(cfg Config) *Store {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Locks == nil {
		cfg.Locks = keylock.New(0)
	}
	return &Store{
		rows:    make(map[policy.UID]AppPolicy),
		locks:   cfg.Locks,
		persist: cfg.Persister,
		observe: cfg.Observer,
		logger:  cfg.Logger.WithComponent("apps"),
	}
}

// SetChangeCallback registers fn to be called after every committed change.
// It runs while the UID's write lock is held and must not call back into the
// store for the same UID.
func (s *Store) SetChangeCallback(fn func(old, new AppPolicy)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// Get returns the policy for uid, or the default when none is stored.
func (s *Store) Get(uid policy.UID) AppPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.rows[uid]; ok {
		return p
	}
	return Default(uid)
}

// Lookup returns the stored policy for uid. ok is false for an app that has
// never been configured.
func (s *Store) Lookup(uid policy.UID) (p AppPolicy, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok = s.rows[uid]
	return p, ok
}

// List returns every stored policy ordered by UID.
func (s *Store) List() []AppPolicy {
	s.mu.RLock()
	out := make([]AppPolicy, 0, len(s.rows))
	for _, p := range s.rows {
		out = append(out, p)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}

// Len returns the number of stored rows.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

// SetFirewallMode sets the override mode. The connection mode is kept.
func (s *Store) SetFirewallMode(uid policy.UID, mode policy.FirewallMode) (AppPolicy, error) {
	const op = "set_firewall_mode"
	if !mode.Valid() {
		err := policy.Errorf(op, uid.String(), policy.ErrInvalidStatus)
		s.observe.Observe(table, op, err)
		return AppPolicy{}, err
	}
	return s.mutate(op, uid, func(p AppPolicy) AppPolicy {
		p.FirewallMode = mode
		return p
	})
}

// ApplyNetworkToggle blocks or unblocks one network kind for uid and returns
// the resulting connection mode.
func (s *Store) ApplyNetworkToggle(uid policy.UID, kind policy.NetworkKind, block bool) (policy.ConnectionMode, error) {
	p, err := s.mutate("network_toggle", uid, OpNetworkToggle{Kind: kind, Block: block}.apply)
	if err != nil {
		return policy.ConnAllow, err
	}
	return p.ConnectionMode, nil
}

// Reset returns uid to the default policy. The row is kept so that the
// app's history survives.
func (s *Store) Reset(uid policy.UID) (AppPolicy, error) {
	return s.mutate("reset", uid, OpClear{}.apply)
}

// BulkApply applies op to every UID independently. A failure for one UID
// leaves the others untouched.
func (s *Store) BulkApply(uids []policy.UID, op BulkOp) BulkResult {
	res := BulkResult{Failed: make(map[policy.UID]error)}
	seen := make(map[policy.UID]struct{}, len(uids))
	for _, uid := range uids {
		if _, dup := seen[uid]; dup {
			continue
		}
		seen[uid] = struct{}{}
		p, err := s.mutate("bulk_"+op.name(), uid, op.apply)
		if err != nil {
			res.Failed[uid] = err
			continue
		}
		res.Applied = append(res.Applied, p)
	}
	if len(res.Failed) > 0 {
		s.logger.Warn("bulk apply partially failed", "op", op.name(), "applied", len(res.Applied), "failed", len(res.Failed))
	}
	return res
}

// UpdateUID moves the policy of an app that was reinstalled under a new
// UID. Any policy already stored for newUID is replaced.
func (s *Store) UpdateUID(oldUID, newUID policy.UID) error {
	const op = "update_uid"
	if err := checkApp(op, oldUID); err != nil {
		s.observe.Observe(table, op, err)
		return err
	}
	if err := checkApp(op, newUID); err != nil {
		s.observe.Observe(table, op, err)
		return err
	}
	if oldUID == newUID {
		return nil
	}

	unlock := s.locks.LockPair(lockKey(oldUID), lockKey(newUID))
	defer unlock()

	s.mu.Lock()
	p, ok := s.rows[oldUID]
	if !ok {
		s.mu.Unlock()
		err := policy.Errorf(op, oldUID.String(), policy.ErrNotFound)
		s.observe.Observe(table, op, err)
		return err
	}
	prev, had := s.rows[newUID]
	if !had {
		prev = Default(newUID)
	}
	delete(s.rows, oldUID)
	p.UID = newUID
	p.ModifiedAt = clock.Now()
	s.rows[newUID] = p
	onChange := s.onChange
	s.mu.Unlock()

	if s.persist != nil {
		s.persist.DeleteAppPolicy(oldUID)
		s.persist.PersistAppPolicy(p)
	}
	if onChange != nil {
		onChange(prev, p)
	}
	s.observe.Observe(table, op, nil)
	s.logger.Audit(op, "app:"+oldUID.String(), map[string]any{"new_uid": int(newUID)})
	return nil
}

// Load replaces the index with rows read from durable storage. Rows with a
// UID that cannot own app policy are skipped and counted.
func (s *Store) Load(rows []AppPolicy) (skipped int) {
	next := make(map[policy.UID]AppPolicy, len(rows))
	for _, p := range rows {
		if !p.UID.IsApp() || !p.FirewallMode.Valid() || !p.ConnectionMode.Valid() {
			skipped++
			continue
		}
		next[p.UID] = p
	}
	s.mu.Lock()
	s.rows = next
	s.mu.Unlock()
	if skipped > 0 {
		s.logger.Warn("skipped invalid app policy rows", "count", skipped)
	}
	return skipped
}

func (s *Store) mutate(op string, uid policy.UID, fn func(AppPolicy) AppPolicy) (AppPolicy, error) {
	if err := checkApp(op, uid); err != nil {
		s.observe.Observe(table, op, err)
		return AppPolicy{}, err
	}

	unlock := s.locks.Lock(lockKey(uid))
	defer unlock()

	cur := s.Get(uid)
	next := fn(cur)
	next.UID = uid
	if next.sameAs(cur) {
		s.observe.Observe(table, op, nil)
		return cur, nil
	}
	next.ModifiedAt = clock.Now()

	s.mu.Lock()
	s.rows[uid] = next
	onChange := s.onChange
	s.mu.Unlock()

	if s.persist != nil {
		s.persist.PersistAppPolicy(next)
	}
	if onChange != nil {
		onChange(cur, next)
	}
	s.observe.Observe(table, op, nil)
	s.logger.Audit(op, "app:"+uid.String(), map[string]any{
		"firewall_mode":   next.FirewallMode.String(),
		"connection_mode": next.ConnectionMode.String(),
	})
	return next, nil
}

// checkApp rejects InvalidUID, tombstones and the universal scope: app
// policy always belongs to one concrete app.
func checkApp(op string, uid policy.UID) error {
	if !uid.IsApp() {
		return policy.Errorf(op, uid.String(), policy.ErrInvalidTarget)
	}
	return nil
}

func lockKey(uid policy.UID) string {
	return "app:" + uid.String()
}
