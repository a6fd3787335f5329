package rbac

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// Category groups permissions by the area of the application they govern
type Category string

const (
	CategoryUser      Category = "user"
	CategoryContent   Category = "content"
	CategoryAnalytics Category = "analytics"
	CategorySettings  Category = "settings"
	CategoryBilling   Category = "billing"
	CategorySupport   Category = "support"
	CategoryAPI       Category = "api"
	CategoryAdmin     Category = "admin"
)

// Categories returns every known category in display order
func Categories() []Category {
	return []Category{
		CategoryUser,
		CategoryContent,
		CategoryAnalytics,
		CategorySettings,
		CategoryBilling,
		CategorySupport,
		CategoryAPI,
		CategoryAdmin,
	}
}

// Valid reports whether c is a known category
func (c Category) Valid() bool {
	for _, known := range Categories() {
		if c == known {
			return true
		}
	}
	return false
}

// RoleType classifies how a role came to exist
type RoleType string

const (
	RoleTypeSystem    RoleType = "system"
	RoleTypeCustom    RoleType = "custom"
	RoleTypeTemporary RoleType = "temporary"
)

// Valid reports whether t is a known role type
func (t RoleType) Valid() bool {
	switch t {
	case RoleTypeSystem, RoleTypeCustom, RoleTypeTemporary:
		return true
	}
	return false
}

// Role levels. Higher levels are more privileged.
const (
	LevelGuest      = 0
	LevelUser       = 10
	LevelPremium    = 20
	LevelModerator  = 30
	LevelEditor     = 40
	LevelSupport    = 50
	LevelManager    = 60
	LevelAdmin      = 70
	LevelSuperAdmin = 80
	LevelSystem     = 90

	// MaxLevel is reported for superusers regardless of their assignments
	MaxLevel = LevelSystem
)

var levelLabels = map[int]string{
	LevelGuest:      "Guest",
	LevelUser:       "Basic User",
	LevelPremium:    "Premium User",
	LevelModerator:  "Moderator",
	LevelEditor:     "Content Manager",
	LevelSupport:    "Support Agent",
	LevelManager:    "Manager",
	LevelAdmin:      "Admin",
	LevelSuperAdmin: "Super Admin",
	LevelSystem:     "System",
}

// LevelLabel returns the display label for a level, or "" for levels without one
func LevelLabel(level int) string {
	return levelLabels[level]
}

// Permission is a named capability of the form "resource.action"
type Permission struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Codename    string    `json:"codename"`
	Category    Category  `json:"category"`
	Description string    `json:"description,omitempty"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Resource returns the part of the name before the dot
func (p Permission) Resource() string {
	resource, _, _ := strings.Cut(p.Name, ".")
	return resource
}

// Action returns the part of the name after the dot
func (p Permission) Action() string {
	_, action, _ := strings.Cut(p.Name, ".")
	return action
}

// Role is a named bundle of permissions that may inherit from a single parent
type Role struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	Slug          string    `json:"slug"`
	Description   string    `json:"description,omitempty"`
	RoleType      RoleType  `json:"role_type"`
	Level         int       `json:"level"`
	IsActive      bool      `json:"is_active"`
	IsDefault     bool      `json:"is_default"`
	MaxUsers      *int      `json:"max_users,omitempty"`      // nil means unlimited
	ParentID      *int64    `json:"parent_id,omitempty"`      // inherits_from
	PermissionIDs []int64   `json:"permission_ids,omitempty"` // direct permissions only
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Scope is the opaque key-value context an assignment is scoped to,
// e.g. {"workspace": "acme"}. The empty scope is the global context.
type Scope map[string]string

// Key returns the canonical encoding used for storage and uniqueness.
// Keys are sorted, so equal scopes always produce equal keys.
func (s Scope) Key() string {
	if len(s) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(map[string]string(s))
	if err != nil {
		// map[string]string always marshals
		return "{}"
	}
	return string(raw)
}

// ParseScope decodes a canonical scope key
func ParseScope(key string) (Scope, error) {
	if key == "" || key == "{}" {
		return Scope{}, nil
	}
	var s Scope
	if err := json.Unmarshal([]byte(key), &s); err != nil {
		return nil, err
	}
	return s, nil
}

// Assignment grants a role to a principal within a scope
type Assignment struct {
	ID          int64      `json:"id"`
	PrincipalID int64      `json:"principal_id"`
	RoleID      int64      `json:"role_id"`
	IsActive    bool       `json:"is_active"`
	IsPrimary   bool       `json:"is_primary"`
	AssignedBy  *int64     `json:"assigned_by,omitempty"`
	AssignedAt  time.Time  `json:"assigned_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Context     Scope      `json:"context"`
	Notes       string     `json:"notes,omitempty"`

	// Role is populated by queries that join the role table
	Role *Role `json:"role,omitempty"`
}

// IsExpired reports whether the assignment has an expiration at or before now
func (a Assignment) IsExpired(now time.Time) bool {
	return a.ExpiresAt != nil && !a.ExpiresAt.After(now)
}

// IsEffective reports whether the assignment currently grants its role:
// it is active and not past its expiration.
func (a Assignment) IsEffective(now time.Time) bool {
	return a.IsActive && !a.IsExpired(now)
}

// Principal is the subject of authorization checks
type Principal interface {
	PrincipalID() int64
	IsSuperuser() bool
}

// User is a minimal Principal implementation
type User struct {
	ID        int64 `json:"id"`
	Superuser bool  `json:"superuser"`
}

// PrincipalID implements Principal
func (u User) PrincipalID() int64 { return u.ID }

// IsSuperuser implements Principal
func (u User) IsSuperuser() bool { return u.Superuser }

// PermissionSet is a set of permissions keyed by name
type PermissionSet map[string]Permission

// Has reports whether the set contains the named permission
func (s PermissionSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Names returns the permission names in sorted order
func (s PermissionSet) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Slice returns the permissions sorted by name
func (s PermissionSet) Slice() []Permission {
	perms := make([]Permission, 0, len(s))
	for _, name := range s.Names() {
		perms = append(perms, s[name])
	}
	return perms
}

// Summary describes a principal's effective access
type Summary struct {
	PrincipalID int64        `json:"principal_id"`
	IsSuperuser bool         `json:"is_superuser"`
	Level       int          `json:"level"`
	LevelLabel  string       `json:"level_label,omitempty"`
	PrimaryRole *Role        `json:"primary_role,omitempty"`
	Roles       []Role       `json:"roles"`
	Permissions []string     `json:"permissions"`
	Assignments []Assignment `json:"assignments"`
}
