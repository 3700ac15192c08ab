package policydb

import (
	"grimm.is/appwall/internal/apps"
	"grimm.is/appwall/internal/domainrules"
	"grimm.is/appwall/internal/iprules"
	"grimm.is/appwall/internal/policy"
)

// Sink writes committed index changes behind through a Writer. It satisfies
// apps.Persister, iprules.Persister and domainrules.Persister.
type Sink struct {
	db *DB
	w  *Writer
}

// NewSink returns a Sink writing to db through w.
func NewSink(db *DB, w *Writer) *Sink {
	return &Sink{db: db, w: w}
}

func (s *Sink) PersistAppPolicy(p apps.AppPolicy) {
	s.w.Submit(appKey(p.UID), func() error { return s.db.PutAppPolicy(p) })
}

func (s *Sink) DeleteAppPolicy(uid policy.UID) {
	s.w.Submit(appKey(uid), func() error { return s.db.DeleteAppPolicy(uid) })
}

func (s *Sink) PersistIPRule(r iprules.Rule) {
	s.w.Submit("ip:"+r.Key().String(), func() error { return s.db.PutIPRule(r) })
}

func (s *Sink) DeleteIPRule(k iprules.Key) {
	s.w.Submit("ip:"+k.String(), func() error { return s.db.DeleteIPRule(k) })
}

func (s *Sink) PersistDomainRule(r domainrules.Rule) {
	s.w.Submit("domain:"+r.Key().String(), func() error { return s.db.PutDomainRule(r) })
}

func (s *Sink) DeleteDomainRule(k domainrules.Key) {
	s.w.Submit("domain:"+k.String(), func() error { return s.db.DeleteDomainRule(k) })
}

func appKey(uid policy.UID) string { return "app:" + uid.String() }

var (
	_ apps.Persister        = (*Sink)(nil)
	_ iprules.Persister     = (*Sink)(nil)
	_ domainrules.Persister = (*Sink)(nil)
)
