// Package cache holds a view's client-visible entity collections and
// reconciles optimistic local mutations with confirmed server state and
// change feed deliveries.
//
// Collections are keyed by (entity type, scope key). Every entry has one
// resolved key: the server id once known, the temp id while an optimistic
// insert is pending. Ordering between concurrent writers is decided by each
// row's own timestamp (last writer wins), never by arrival order.
package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tbourn/go-realtime-coordinator/internal/domain"
)

// TombstoneTTL bounds how long removals keep blocking stale re-inserts.
const TombstoneTTL = 10 * time.Minute

// Entry is one cached entity.
type Entry struct {
	Key     string        `json:"key"`
	TempID  string        `json:"temp_id,omitempty"`
	Pending bool          `json:"pending"`
	Stamp   time.Time     `json:"stamp"`
	Value   domain.Entity `json:"value"`
}

// Recorder receives reconciler measurements.
type Recorder interface {
	CacheStaleDropped(entityType string)
}

type nopRecorder struct{}

func (nopRecorder) CacheStaleDropped(string) {}

type opKind int

const (
	opInsert opKind = iota
	opUpdate
	opRemove
)

type pendingOp struct {
	kind  opKind
	coll  collKey
	key   string
	prior *Entry
	stamp time.Time
}

type collKey struct {
	entityType string
	scope      string
}

type collection struct {
	entries    map[string]*Entry
	tombstones map[string]time.Time
}

// Reconciler is safe for concurrent use. Feed events and user actions reach
// it on different goroutines; the mutex only serializes them, conflicts are
// still resolved by timestamps.
type Reconciler struct {
	mu    sync.Mutex
	colls map[collKey]*collection
	ops   map[string]*pendingOp

	onChange func(entityType, scopeKey string)
	rec      Recorder
	now      func() time.Time
	newID    func() string
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithOnChange registers a callback invoked after a collection changed. It
// runs outside the reconciler lock.
func WithOnChange(fn func(entityType, scopeKey string)) Option {
	return func(r *Reconciler) { r.onChange = fn }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(rec Recorder) Option {
	return func(r *Reconciler) {
		if rec != nil {
			r.rec = rec
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// New returns an empty reconciler.
func New(opts ...Option) *Reconciler {
	r := &Reconciler{
		colls: make(map[collKey]*collection),
		ops:   make(map[string]*pendingOp),
		rec:   nopRecorder{},
		now:   func() time.Time { return time.Now().UTC() },
		newID: func() string { return "tmp-" + uuid.NewString() },
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// ApplyOptimistic inserts draft as a pending entry and returns its temp id.
func (r *Reconciler) ApplyOptimistic(entityType, scopeKey string, draft domain.Entity) string {
	k := collKey{entityType, scopeKey}
	r.mu.Lock()
	c := r.coll(k)
	tempID := r.newID()
	st := draft.Stamp()
	if st.IsZero() {
		st = r.now()
	}
	c.entries[tempID] = &Entry{Key: tempID, TempID: tempID, Pending: true, Stamp: st, Value: draft}
	r.ops[tempID] = &pendingOp{kind: opInsert, coll: k, key: tempID, stamp: st}
	r.mu.Unlock()

	r.changed(k)
	return tempID
}

// StageUpdate optimistically replaces the entry matching next (by id, or by
// match key when next has no id) and remembers the prior value for Rollback.
func (r *Reconciler) StageUpdate(entityType, scopeKey string, next domain.Entity) (string, bool) {
	k := collKey{entityType, scopeKey}
	r.mu.Lock()
	c := r.colls[k]
	if c == nil {
		r.mu.Unlock()
		return "", false
	}
	e := c.lookup(next.EntityID(), next.MatchKey())
	if e == nil {
		r.mu.Unlock()
		return "", false
	}
	prior := *e
	r.supersede(e)
	tempID := r.newID()
	st := r.after(prior.Stamp)
	e.Value = next
	e.Pending = true
	e.TempID = tempID
	e.Stamp = st
	r.ops[tempID] = &pendingOp{kind: opUpdate, coll: k, key: e.Key, prior: &prior, stamp: st}
	r.mu.Unlock()

	r.changed(k)
	return tempID, true
}

// StageRemove optimistically removes the entry with id and leaves a
// tombstone so stale feed copies cannot resurrect it.
func (r *Reconciler) StageRemove(entityType, scopeKey, id string) (string, bool) {
	k := collKey{entityType, scopeKey}
	r.mu.Lock()
	c := r.colls[k]
	if c == nil || c.entries[id] == nil {
		r.mu.Unlock()
		return "", false
	}
	e := c.entries[id]
	prior := *e
	r.supersede(e)
	delete(c.entries, id)
	tempID := r.newID()
	st := r.after(prior.Stamp)
	c.tombstones[id] = st
	r.ops[tempID] = &pendingOp{kind: opRemove, coll: k, key: id, prior: &prior, stamp: st}
	r.mu.Unlock()

	r.changed(k)
	return tempID, true
}

// Confirm resolves a pending operation with the server's row. The temp entry
// is swapped for server in place. It is a no-op (false) when tempID is no
// longer pending, e.g. when a feed event already reconciled it. server may
// be nil to confirm a removal.
func (r *Reconciler) Confirm(tempID string, server domain.Entity) bool {
	r.mu.Lock()
	op, ok := r.ops[tempID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.ops, tempID)
	c := r.coll(op.coll)

	switch op.kind {
	case opInsert, opUpdate:
		e := c.entries[op.key]
		if e == nil || e.TempID != tempID {
			break
		}
		if server == nil {
			delete(c.entries, op.key)
			break
		}
		id := server.EntityID()
		st := server.Stamp()
		if tomb, dead := c.tombstones[id]; dead && !st.After(tomb) {
			delete(c.entries, op.key)
			break
		}
		if other := c.entries[id]; other != nil && other != e {
			// A feed copy arrived first under the server id.
			delete(c.entries, op.key)
			if other.Stamp.After(st) {
				break
			}
			e = other
		}
		delete(c.entries, e.Key)
		r.resolve(e)
		e.Key = id
		e.Value = server
		e.Stamp = st
		c.entries[id] = e
		c.dedupeMatch(e)
	case opRemove:
		if server != nil {
			if st := server.Stamp(); st.After(c.tombstones[op.key]) {
				c.tombstones[op.key] = st
			}
		}
	}
	r.mu.Unlock()

	r.changed(op.coll)
	return true
}

// Rollback undoes a pending operation. A non-nil prior is restored as the
// confirmed value; otherwise the remembered prior of a staged update or
// removal is restored, and an optimistic insert is simply removed.
func (r *Reconciler) Rollback(tempID string, prior domain.Entity) bool {
	r.mu.Lock()
	op, ok := r.ops[tempID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.ops, tempID)
	c := r.coll(op.coll)

	restore := op.prior
	if prior != nil {
		restore = &Entry{Key: prior.EntityID(), Stamp: prior.Stamp(), Value: prior}
	}

	switch op.kind {
	case opInsert:
		if e := c.entries[op.key]; e != nil && e.TempID == tempID {
			delete(c.entries, op.key)
		}
		if restore != nil && restore.Key != "" {
			cp := *restore
			c.entries[cp.Key] = &cp
		}
	case opUpdate:
		e := c.entries[op.key]
		if e == nil || e.TempID != tempID {
			// Replaced or removed by a newer remote state meanwhile.
			break
		}
		delete(c.entries, op.key)
		if restore != nil {
			cp := *restore
			c.entries[cp.Key] = &cp
		}
	case opRemove:
		if c.tombstones[op.key].Equal(op.stamp) {
			delete(c.tombstones, op.key)
		}
		if restore != nil {
			if cur := c.entries[restore.Key]; cur == nil || !cur.Stamp.After(restore.Stamp) {
				cp := *restore
				c.entries[cp.Key] = &cp
			}
		}
	}
	r.mu.Unlock()

	r.changed(op.coll)
	return true
}

// MergeRemote merges feed or query rows into a collection. A row replaces a
// confirmed entry when it is not older; it replaces a pending entry only
// when strictly newer or when it is the server copy of a pending insert
// (matched by match key), which also resolves that insert.
func (r *Reconciler) MergeRemote(entityType, scopeKey string, rows []domain.Entity) {
	k := collKey{entityType, scopeKey}
	changed := false
	r.mu.Lock()
	c := r.coll(k)
	c.prune(r.now())
	for _, row := range rows {
		if row == nil || row.EntityID() == "" {
			continue
		}
		if r.merge(c, row) {
			changed = true
		} else {
			r.rec.CacheStaleDropped(entityType)
		}
	}
	r.mu.Unlock()

	if changed {
		r.changed(k)
	}
}

// merge applies one remote row. It returns false when the row was stale.
func (r *Reconciler) merge(c *collection, row domain.Entity) bool {
	id, st := row.EntityID(), row.Stamp()
	if tomb, dead := c.tombstones[id]; dead && !st.After(tomb) {
		return false
	}

	if e := c.entries[id]; e != nil {
		if e.Pending {
			if !st.After(e.Stamp) {
				return false
			}
			r.resolve(e)
		} else if st.Before(e.Stamp) {
			return false
		}
		e.Value = row
		e.Stamp = st
		c.dedupeMatch(e)
		return true
	}

	if m := c.match(row.MatchKey()); m != nil {
		pendingInsert := m.Pending && m.Key == m.TempID
		if !pendingInsert {
			if m.Pending && !st.After(m.Stamp) {
				return false
			}
			if !m.Pending && st.Before(m.Stamp) {
				return false
			}
		}
		if m.Pending {
			r.resolve(m)
		}
		delete(c.entries, m.Key)
		m.Key = id
		m.Value = row
		m.Stamp = st
		c.entries[id] = m
		return true
	}

	c.entries[id] = &Entry{Key: id, Stamp: st, Value: row}
	return true
}

// RemoveRemote applies a feed delete. The cached entry survives only when it
// is newer than the deleted row.
func (r *Reconciler) RemoveRemote(entityType, scopeKey string, row domain.Entity) {
	if row == nil || row.EntityID() == "" {
		return
	}
	k := collKey{entityType, scopeKey}
	id := row.EntityID()

	r.mu.Lock()
	c := r.coll(k)
	changed := false
	if e := c.entries[id]; e != nil {
		if e.Stamp.After(row.Stamp()) {
			r.mu.Unlock()
			r.rec.CacheStaleDropped(entityType)
			return
		}
		if e.Pending {
			r.resolve(e)
		}
		delete(c.entries, id)
		changed = true
	}
	if now := r.now(); now.After(c.tombstones[id]) {
		c.tombstones[id] = now
	}
	r.mu.Unlock()

	if changed {
		r.changed(k)
	}
}

// Snapshot returns a copy of a collection ordered by (Stamp, Key).
func (r *Reconciler) Snapshot(entityType, scopeKey string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.colls[collKey{entityType, scopeKey}]
	if c == nil {
		return []Entry{}
	}
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Stamp.Equal(out[j].Stamp) {
			return out[i].Stamp.Before(out[j].Stamp)
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Find returns the first entry, in snapshot order, accepted by pred.
func (r *Reconciler) Find(entityType, scopeKey string, pred func(Entry) bool) (Entry, bool) {
	for _, e := range r.Snapshot(entityType, scopeKey) {
		if pred(e) {
			return e, true
		}
	}
	return Entry{}, false
}

// Pending reports whether tempID still awaits Confirm or Rollback.
func (r *Reconciler) Pending(tempID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.ops[tempID]
	return ok
}

// Len returns the number of entries in a collection.
func (r *Reconciler) Len(entityType, scopeKey string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c := r.colls[collKey{entityType, scopeKey}]; c != nil {
		return len(c.entries)
	}
	return 0
}

// Drop forgets a collection and its pending operations.
func (r *Reconciler) Drop(entityType, scopeKey string) {
	k := collKey{entityType, scopeKey}
	r.mu.Lock()
	delete(r.colls, k)
	for id, op := range r.ops {
		if op.coll == k {
			delete(r.ops, id)
		}
	}
	r.mu.Unlock()
}

func (r *Reconciler) coll(k collKey) *collection {
	c := r.colls[k]
	if c == nil {
		c = &collection{entries: make(map[string]*Entry), tombstones: make(map[string]time.Time)}
		r.colls[k] = c
	}
	return c
}

// supersede drops the pending op an entry is still waiting on, so a new
// staged op owns the entry.
func (r *Reconciler) supersede(e *Entry) {
	if e.TempID != "" {
		delete(r.ops, e.TempID)
	}
}

// resolve marks e confirmed and forgets its pending op.
func (r *Reconciler) resolve(e *Entry) {
	if e.TempID != "" {
		delete(r.ops, e.TempID)
	}
	e.TempID = ""
	e.Pending = false
}

// after returns a stamp that orders strictly after prev.
func (r *Reconciler) after(prev time.Time) time.Time {
	now := r.now()
	if !now.After(prev) {
		return prev.Add(time.Nanosecond)
	}
	return now
}

func (r *Reconciler) changed(k collKey) {
	if r.onChange != nil {
		r.onChange(k.entityType, k.scope)
	}
}

func (c *collection) lookup(id, matchKey string) *Entry {
	if id != "" {
		if e := c.entries[id]; e != nil {
			return e
		}
	}
	return c.match(matchKey)
}

// match finds the entry a server row with matchKey belongs to. Optimistic
// drafts carry their temp id as client ref, so the temp id matches too.
func (c *collection) match(matchKey string) *Entry {
	if matchKey == "" {
		return nil
	}
	for _, e := range c.entries {
		if e.TempID == matchKey || e.Value.MatchKey() == matchKey {
			return e
		}
	}
	return nil
}

// dedupeMatch keeps keep as the only entry for its match key.
func (c *collection) dedupeMatch(keep *Entry) {
	mk := keep.Value.MatchKey()
	if mk == "" {
		return
	}
	for k, e := range c.entries {
		if e != keep && !e.Pending && e.Value.MatchKey() == mk {
			delete(c.entries, k)
		}
	}
}

func (c *collection) prune(now time.Time) {
	for id, at := range c.tombstones {
		if now.Sub(at) > TombstoneTTL {
			delete(c.tombstones, id)
		}
	}
}
