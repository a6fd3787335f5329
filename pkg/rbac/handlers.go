package rbac

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/rolegate/pkg/audit"
	"github.com/platinummonkey/rolegate/pkg/httputil"
	"github.com/platinummonkey/rolegate/pkg/observability"
)

const defaultHistoryLimit = 100

// Handlers serves read-only JSON views of roles, principals and the audit log
type Handlers struct {
	manager *Manager
}

// NewHandlers creates handlers over a manager's components
func NewHandlers(m *Manager) *Handlers {
	return &Handlers{manager: m}
}

// RegisterRoutes registers all RBAC read routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	// Catalog
	router.HandleFunc("/rbac/permissions", h.ListPermissions).Methods("GET")
	router.HandleFunc("/rbac/roles", h.ListRoles).Methods("GET")
	router.HandleFunc("/rbac/roles/{id}", h.GetRole).Methods("GET")
	router.HandleFunc("/rbac/roles/{id}/permissions", h.GetRolePermissions).Methods("GET")

	// Principals
	router.HandleFunc("/rbac/principals/{id}/summary", h.GetPrincipalSummary).Methods("GET")
	router.HandleFunc("/rbac/principals/{id}/permissions", h.GetPrincipalPermissions).Methods("GET")
	router.HandleFunc("/rbac/principals/{id}/roles", h.GetPrincipalRoles).Methods("GET")
	router.HandleFunc("/rbac/principals/{id}/level", h.GetPrincipalLevel).Methods("GET")
	router.HandleFunc("/rbac/principals/{id}/history", h.GetPrincipalHistory).Methods("GET")

	// Audit
	router.HandleFunc("/rbac/audit/recent", h.RecentChanges).Methods("GET")
	router.HandleFunc("/rbac/audit/actors/{id}", h.ChangesByActor).Methods("GET")
	router.HandleFunc("/rbac/audit/export", h.ExportAudit).Methods("GET")
}

// writeErr maps rbac errors to status codes; internal errors are logged, not echoed
func (h *Handlers) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := HTTPStatus(err)
	if status == http.StatusInternalServerError {
		observability.FromContext(r.Context(), h.manager.opts.Logger).
			WithError(err).
			WithField("path", r.URL.Path).
			Error("rbac request failed")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteError(w, status, err)
}

// ListPermissions lists active permissions, optionally filtered by ?category=
func (h *Handlers) ListPermissions(w http.ResponseWriter, r *http.Request) {
	category := Category(r.URL.Query().Get("category"))
	if category != "" && !category.Valid() {
		httputil.WriteBadRequest(w, "Invalid category")
		return
	}

	perms, err := h.manager.Graph.ListPermissions(r.Context(), category)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httputil.WriteSuccess(w, perms)
}

// ListRoles lists roles by level; ?all=true includes inactive roles
func (h *Handlers) ListRoles(w http.ResponseWriter, r *http.Request) {
	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))
	roles, err := h.manager.Graph.ListRoles(r.Context(), !all)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httputil.WriteSuccess(w, roles)
}

// GetRole returns a role with its ancestors
func (h *Handlers) GetRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	role, err := h.manager.Graph.GetRole(r.Context(), roleID)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	ancestors, err := h.manager.Graph.Ancestors(r.Context(), roleID)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"role":      role,
		"ancestors": ancestors,
	})
}

// GetRolePermissions returns a role's effective permissions
func (h *Handlers) GetRolePermissions(w http.ResponseWriter, r *http.Request) {
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	perms, err := h.manager.Graph.EffectivePermissions(r.Context(), roleID)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"role_id":     roleID,
		"permissions": perms.Slice(),
	})
}

// principalParam reads {id} as a non-superuser principal. Superuser status belongs to
// the host application, so these views show role-derived access only.
func principalParam(w http.ResponseWriter, r *http.Request) (Principal, bool) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return nil, false
	}
	return User{ID: id}, true
}

// GetPrincipalSummary returns roles, permissions and level for a principal
func (h *Handlers) GetPrincipalSummary(w http.ResponseWriter, r *http.Request) {
	p, ok := principalParam(w, r)
	if !ok {
		return
	}
	summary, err := h.manager.Resolver.Summary(r.Context(), p)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httputil.WriteSuccess(w, summary)
}

// GetPrincipalPermissions returns a principal's effective permission names
func (h *Handlers) GetPrincipalPermissions(w http.ResponseWriter, r *http.Request) {
	p, ok := principalParam(w, r)
	if !ok {
		return
	}
	perms, err := h.manager.Resolver.EffectivePermissions(r.Context(), p)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"principal_id": p.PrincipalID(),
		"permissions":  perms.Names(),
	})
}

// GetPrincipalRoles returns a principal's active assignments and primary role
func (h *Handlers) GetPrincipalRoles(w http.ResponseWriter, r *http.Request) {
	p, ok := principalParam(w, r)
	if !ok {
		return
	}
	assignments, err := h.manager.Assignments.ActiveAssignmentsFor(r.Context(), p.PrincipalID())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	primary, err := h.manager.Resolver.PrimaryRole(r.Context(), p)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"principal_id": p.PrincipalID(),
		"primary_role": primary,
		"assignments":  assignments,
	})
}

// GetPrincipalLevel returns a principal's role level
func (h *Handlers) GetPrincipalLevel(w http.ResponseWriter, r *http.Request) {
	p, ok := principalParam(w, r)
	if !ok {
		return
	}
	level, err := h.manager.Resolver.RoleLevel(r.Context(), p)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"principal_id": p.PrincipalID(),
		"level":        level,
		"label":        LevelLabel(level),
	})
}

// GetPrincipalHistory returns a principal's audit history, newest first
func (h *Handlers) GetPrincipalHistory(w http.ResponseWriter, r *http.Request) {
	p, ok := principalParam(w, r)
	if !ok {
		return
	}
	limit, err := httputil.ParseQueryInt(r, "limit", defaultHistoryLimit)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	entries, err := h.manager.Audit.HistoryFor(r.Context(), p.PrincipalID(), limit)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httputil.WriteSuccess(w, entries)
}

// RecentChanges returns audit entries since ?since= (RFC 3339, default 7 days ago)
func (h *Handlers) RecentChanges(w http.ResponseWriter, r *http.Request) {
	since, err := httputil.ParseQueryTime(r, "since", time.Now().Add(-7*24*time.Hour))
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	limit, err := httputil.ParseQueryInt(r, "limit", defaultHistoryLimit)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	entries, err := h.manager.Audit.RecentChanges(r.Context(), since, limit)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httputil.WriteSuccess(w, entries)
}

// ChangesByActor returns audit entries performed by {id}
func (h *Handlers) ChangesByActor(w http.ResponseWriter, r *http.Request) {
	actorID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	limit, err := httputil.ParseQueryInt(r, "limit", defaultHistoryLimit)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	entries, err := h.manager.Audit.ChangesByActor(r.Context(), actorID, limit)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httputil.WriteSuccess(w, entries)
}

// ExportAudit downloads audit entries as json, ndjson or csv. Supports ?principal_id=,
// ?since=, ?until= and ?limit=.
func (h *Handlers) ExportAudit(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	format := audit.ExportFormat(query.Get("format"))
	if format == "" {
		format = audit.ExportFormatJSON
	}

	filter := audit.Filter{Ascending: true}
	if raw := query.Get("principal_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			httputil.WriteBadRequest(w, "Invalid principal_id")
			return
		}
		filter.PrincipalID = &id
	}
	since, err := httputil.ParseQueryTime(r, "since", time.Time{})
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if !since.IsZero() {
		filter.Since = &since
	}
	until, err := httputil.ParseQueryTime(r, "until", time.Time{})
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if !until.IsZero() {
		filter.Until = &until
	}
	filter.Limit, err = httputil.ParseQueryInt(r, "limit", 0)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	entries, err := h.manager.Audit.Search(r.Context(), filter)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	data, err := audit.Export(entries, format)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	contentType := "application/json"
	switch format {
	case audit.ExportFormatNDJSON:
		contentType = "application/x-ndjson"
	case audit.ExportFormatCSV:
		contentType = "text/csv"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", "attachment; filename=rbac-audit."+string(format))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
