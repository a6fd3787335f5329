package audit

import (
	"time"
)

// Action represents the kind of assignment change an entry records
type Action string

const (
	ActionAssigned Action = "assigned"
	ActionRevoked  Action = "revoked"
	ActionExpired  Action = "expired"
	ActionModified Action = "modified"
)

// Valid reports whether the action is one of the known actions
func (a Action) Valid() bool {
	switch a {
	case ActionAssigned, ActionRevoked, ActionExpired, ActionModified:
		return true
	}
	return false
}

// Entry is an immutable record of a single assignment change
type Entry struct {
	ID          int64                  `json:"id"`
	PrincipalID int64                  `json:"principal_id"`
	RoleID      int64                  `json:"role_id"`
	Action      Action                 `json:"action"`
	PerformedBy *int64                 `json:"performed_by,omitempty"` // nil for system actions
	Reason      string                 `json:"reason,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// Filter narrows an audit query. Zero values are ignored.
type Filter struct {
	PrincipalID *int64
	RoleID      *int64
	PerformedBy *int64
	Actions     []Action
	Since       *time.Time
	Until       *time.Time

	// Ascending returns the oldest entries first. The default is newest first.
	Ascending bool
	Limit     int
	Offset    int
}
