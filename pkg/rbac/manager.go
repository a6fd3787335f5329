package rbac

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/rolegate/pkg/audit"
)

// Manager wires together all RBAC components over one database
type Manager struct {
	Graph       *Graph
	Assignments *AssignmentStore
	Resolver    *Resolver
	Audit       *audit.Log
	Middleware  *Middleware
	Handlers    *Handlers

	db   *sql.DB
	opts Options
}

// New creates a Manager. When opts.Cache is set without opts.Versions, versions are kept
// in process memory.
func New(db *sql.DB, opts Options) *Manager {
	if opts.Cache != nil && opts.Versions == nil {
		opts.Versions = NewLocalVersions()
	}
	opts = opts.withDefaults()

	auditLog := NewAuditLog(db, opts)
	graph := NewGraph(db, opts)
	assignments := NewAssignmentStore(graph, auditLog)
	resolver := NewResolver(graph, assignments)

	m := &Manager{
		Graph:       graph,
		Assignments: assignments,
		Resolver:    resolver,
		Audit:       auditLog,
		db:          db,
		opts:        opts,
	}
	m.Middleware = NewMiddleware(resolver, assignments, opts.Logger)
	m.Handlers = NewHandlers(m)
	return m
}

// NewAuditLog creates an audit log that stamps entries with the configured clock
func NewAuditLog(db *sql.DB, opts Options) *audit.Log {
	opts = opts.withDefaults()
	return audit.NewLog(db).WithClock(opts.now)
}

// Initialize creates or upgrades the RBAC schema
func (m *Manager) Initialize(ctx context.Context) error {
	if err := RunMigrations(ctx, m.db, m.opts.Dialect, m.opts.Logger); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// RegisterRoutes registers the read-only RBAC endpoints with a router
func (m *Manager) RegisterRoutes(router *mux.Router) {
	m.Handlers.RegisterRoutes(router)
}

// HasPermission is a convenience wrapper around Resolver.HasPermission
func (m *Manager) HasPermission(ctx context.Context, p Principal, name string) (bool, error) {
	return m.Resolver.HasPermission(ctx, p, name)
}

// ExpireDue runs one expiration pass over every principal
func (m *Manager) ExpireDue(ctx context.Context, opts ExpireOptions) (int, error) {
	return m.Assignments.Expire(ctx, m.opts.now(), opts)
}
