package models

import (
	"time"

	"github.com/google/uuid"
)

// Batch groups jobs created together, typically a diversity-constrained
// discovery batch. A batch is complete once every linked job is terminal
// or exhausted with its lineage resolved.
type Batch struct {
	ID          uuid.UUID  `db:"id"           json:"id"`
	UserID      string     `db:"user_id"      json:"user_id"`
	Kind        string     `db:"kind"         json:"kind"`
	Completed   bool       `db:"completed"    json:"completed"`
	CreatedAt   time.Time  `db:"created_at"   json:"created_at"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}
