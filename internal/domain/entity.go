package domain

import "time"

// Entity is a row held by a view's local cache.
//
// EntityID is the server id (empty for optimistic drafts). Stamp is the
// row's own ordering timestamp. MatchKey is the natural identity used to pair
// a pending optimistic entry with the server row that confirms it; empty
// means the entity can only be matched by id.
type Entity interface {
	EntityID() string
	Stamp() time.Time
	MatchKey() string
}

// stamp prefers UpdatedAt and falls back to CreatedAt.
func stamp(created, updated time.Time) time.Time {
	if updated.IsZero() {
		return created
	}
	return updated
}

func (p Post) EntityID() string    { return p.ID }
func (p Post) Stamp() time.Time    { return stamp(p.CreatedAt, p.UpdatedAt) }
func (p Post) MatchKey() string    { return p.ClientRef }
func (c Comment) EntityID() string { return c.ID }
func (c Comment) Stamp() time.Time { return stamp(c.CreatedAt, c.UpdatedAt) }
func (c Comment) MatchKey() string { return c.ClientRef }
func (m Message) EntityID() string { return m.ID }
func (m Message) Stamp() time.Time { return stamp(m.CreatedAt, m.UpdatedAt) }
func (m Message) MatchKey() string { return m.ClientRef }

func (r Reaction) EntityID() string { return r.ID }
func (r Reaction) Stamp() time.Time { return stamp(r.CreatedAt, r.UpdatedAt) }

// MatchKey is the (user, target) pair: a user holds one reaction per target.
func (r Reaction) MatchKey() string {
	if r.UserID == "" || r.TargetID == "" {
		return ""
	}
	return r.UserID + "|" + r.TargetType + "|" + r.TargetID
}

func (n Notification) EntityID() string { return n.ID }
func (n Notification) Stamp() time.Time { return stamp(n.CreatedAt, n.UpdatedAt) }
func (n Notification) MatchKey() string { return "" }
