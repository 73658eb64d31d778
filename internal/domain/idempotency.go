package domain

import (
	"time"

	"gorm.io/datatypes"
)

// Idempotency records the outcome of a completed unsafe request, keyed by
// (user_id, scope_key, key). The scope key is the view the request was made
// through; ResultID is the resulting row id (empty when the outcome was a
// removal) and Response the JSON body that was returned. Replays return the
// recorded outcome without re-running the mutation.
type Idempotency struct {
	ID        string `gorm:"type:TEXT NOT NULL;primaryKey"`
	UserID    string `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_user_scope_key,priority:1"`
	ScopeKey  string `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_user_scope_key,priority:2"`
	Key       string `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_user_scope_key,priority:3"`
	ResultID  string `gorm:"type:TEXT NOT NULL;default:''"`
	Response  datatypes.JSON
	Status    int       `gorm:"type:INTEGER NOT NULL"`
	CreatedAt time.Time `gorm:"type:DATETIME NOT NULL;autoCreateTime"`
	ExpiresAt time.Time `gorm:"type:DATETIME NOT NULL;index"`
}

// TableName implements the GORM tabler interface.
func (Idempotency) TableName() string { return "idempotency" }
