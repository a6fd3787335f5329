package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/rolegate/pkg/audit"
)

var assignmentFields = []string{
	"id", "principal_id", "role_id", "is_active", "is_primary",
	"assigned_by", "assigned_at", "expires_at", "context", "notes",
}

func assignmentColumns(alias string) string {
	return columns(alias, assignmentFields)
}

// assignmentDest returns scan destinations for assignmentFields. finish must be called
// after a successful scan.
func assignmentDest(a *Assignment) (dest []interface{}, finish func() error) {
	var assignedBy sql.NullInt64
	var expiresAt sql.NullTime
	var scope string

	dest = []interface{}{
		&a.ID,
		&a.PrincipalID,
		&a.RoleID,
		&a.IsActive,
		&a.IsPrimary,
		&assignedBy,
		&a.AssignedAt,
		&expiresAt,
		&scope,
		&a.Notes,
	}
	finish = func() error {
		a.AssignedBy = nullableInt64(assignedBy)
		a.ExpiresAt = nullableTime(expiresAt)
		a.AssignedAt = a.AssignedAt.UTC()
		parsed, err := ParseScope(scope)
		if err != nil {
			return fmt.Errorf("invalid assignment context %q: %w", scope, err)
		}
		a.Context = parsed
		return nil
	}
	return dest, finish
}

func scanAssignment(scanner interface {
	Scan(dest ...interface{}) error
}) (*Assignment, error) {
	var a Assignment
	dest, finish := assignmentDest(&a)
	if err := scanner.Scan(dest...); err != nil {
		return nil, err
	}
	if err := finish(); err != nil {
		return nil, err
	}
	return &a, nil
}

// scanAssignmentWithRole scans assignmentColumns followed by roleColumns
func scanAssignmentWithRole(scanner interface {
	Scan(dest ...interface{}) error
}) (*Assignment, error) {
	var a Assignment
	var role Role
	dest, finish := assignmentDest(&a)
	roleDst, finishRole := roleDest(&role)

	if err := scanner.Scan(append(dest, roleDst...)...); err != nil {
		return nil, err
	}
	if err := finish(); err != nil {
		return nil, err
	}
	finishRole()
	a.Role = &role
	return &a, nil
}

// AssignmentStore manages principal-role bindings. Every mutation is audited in the
// same transaction.
type AssignmentStore struct {
	db    *sql.DB
	graph *Graph
	audit *audit.Log
	opts  Options
}

// NewAssignmentStore creates an assignment store and attaches it to graph so that
// role deactivation cascades to assignments
func NewAssignmentStore(graph *Graph, auditLog *audit.Log) *AssignmentStore {
	s := &AssignmentStore{
		db:    graph.db,
		graph: graph,
		audit: auditLog,
		opts:  graph.opts,
	}
	graph.cascade = s
	return s
}

// AssignParams describes a role assignment
type AssignParams struct {
	PrincipalID int64
	RoleID      int64
	AssignedBy  *int64
	ExpiresAt   *time.Time
	Context     Scope
	IsPrimary   bool
	Notes       string
	Reason      string
}

// Assign grants a role to a principal. Assigning an existing (principal, role, context)
// triple reactivates it instead of creating a second row. When IsPrimary is set, the
// primary flag moves from any other active assignment of the principal in the same
// transaction.
func (s *AssignmentStore) Assign(ctx context.Context, params AssignParams) (*Assignment, error) {
	ctx, span := s.opts.startSpan(ctx, "rbac.Assign", principalAttr(params.PrincipalID), roleAttr(params.RoleID))
	a, err := s.assign(ctx, params)
	endSpan(span, err)
	return a, err
}

func (s *AssignmentStore) assign(ctx context.Context, params AssignParams) (*Assignment, error) {
	const op = "Assign"

	unlock := s.graph.locks.lockRoleAndPrincipal(params.RoleID, params.PrincipalID)
	defer unlock()

	now := s.opts.now()
	if params.ExpiresAt != nil {
		expiresAt := params.ExpiresAt.UTC()
		params.ExpiresAt = &expiresAt
	}

	var result *Assignment
	var reactivated bool
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := advisoryLock(ctx, tx, s.opts.Dialect, lockNamespaceRole, params.RoleID); err != nil {
			return err
		}
		if err := advisoryLock(ctx, tx, s.opts.Dialect, lockNamespacePrincipal, params.PrincipalID); err != nil {
			return err
		}

		role, err := s.graph.getRole(ctx, tx, params.RoleID)
		if err != nil {
			return err
		}
		if !role.IsActive {
			return newError(op, ErrRoleInactive, "role %q", role.Slug)
		}

		existing, err := s.findAssignment(ctx, tx, params.PrincipalID, params.RoleID, params.Context)
		if err != nil {
			return err
		}

		alreadyEffective := existing != nil && existing.IsEffective(now)
		if role.MaxUsers != nil && !alreadyEffective {
			n, err := countWhere(ctx, tx, "rbac_assignments",
				"role_id = $1 AND is_active = TRUE AND (expires_at IS NULL OR expires_at > $2)",
				role.ID, now)
			if err != nil {
				return err
			}
			if n >= *role.MaxUsers {
				return newError(op, ErrCapacityExceeded, "role %q allows %d", role.Slug, *role.MaxUsers)
			}
		}

		var keepID int64
		if existing != nil {
			keepID = existing.ID
		}
		if params.IsPrimary {
			if err := s.clearPrimary(ctx, tx, params.PrincipalID, keepID, params.AssignedBy, now); err != nil {
				return err
			}
		}

		if existing != nil {
			reactivated = true
			result, err = s.reactivate(ctx, tx, existing, params)
		} else {
			result, err = s.insert(ctx, tx, params, now)
		}
		if err != nil {
			return err
		}
		result.Role = role

		metadata := assignmentMetadata(result)
		metadata["reactivated"] = reactivated
		return s.audit.Record(ctx, tx, &audit.Entry{
			PrincipalID: result.PrincipalID,
			RoleID:      result.RoleID,
			Action:      audit.ActionAssigned,
			PerformedBy: params.AssignedBy,
			Reason:      params.Reason,
			Metadata:    metadata,
			CreatedAt:   now,
		})
	})
	if err != nil {
		s.observeRejection(err)
		return nil, err
	}

	s.opts.bumpPrincipals(ctx, params.PrincipalID)
	s.opts.Metrics.ObserveMutation(string(audit.ActionAssigned), 1)
	s.opts.Logger.WithFields(logrus.Fields{
		"principal_id": result.PrincipalID,
		"role_id":      result.RoleID,
		"role":         result.Role.Slug,
		"is_primary":   result.IsPrimary,
		"reactivated":  reactivated,
	}).Info("role assigned")
	return result, nil
}

func (s *AssignmentStore) findAssignment(ctx context.Context, q querier, principalID, roleID int64, scope Scope) (*Assignment, error) {
	query := `
		SELECT ` + assignmentColumns("") + `
		FROM rbac_assignments
		WHERE principal_id = $1 AND role_id = $2 AND context = $3
	`
	a, err := scanAssignment(q.QueryRowContext(ctx, query, principalID, roleID, scope.Key()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up assignment: %w", err)
	}
	return a, nil
}

func (s *AssignmentStore) insert(ctx context.Context, tx *sql.Tx, params AssignParams, now time.Time) (*Assignment, error) {
	a := &Assignment{
		PrincipalID: params.PrincipalID,
		RoleID:      params.RoleID,
		IsActive:    true,
		IsPrimary:   params.IsPrimary,
		AssignedBy:  params.AssignedBy,
		AssignedAt:  now,
		ExpiresAt:   params.ExpiresAt,
		Context:     params.Context,
		Notes:       params.Notes,
	}
	if a.Context == nil {
		a.Context = Scope{}
	}

	query := `
		INSERT INTO rbac_assignments (principal_id, role_id, is_active, is_primary, assigned_by, assigned_at, expires_at, context, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`
	err := tx.QueryRowContext(ctx, query,
		a.PrincipalID,
		a.RoleID,
		a.IsActive,
		a.IsPrimary,
		a.AssignedBy,
		a.AssignedAt,
		a.ExpiresAt,
		a.Context.Key(),
		a.Notes,
	).Scan(&a.ID)
	if err != nil {
		return nil, classifyAssignmentWrite("Assign", err)
	}
	return a, nil
}

func (s *AssignmentStore) reactivate(ctx context.Context, tx *sql.Tx, a *Assignment, params AssignParams) (*Assignment, error) {
	a.IsActive = true
	a.IsPrimary = params.IsPrimary
	a.ExpiresAt = params.ExpiresAt
	if params.AssignedBy != nil {
		a.AssignedBy = params.AssignedBy
	}
	if params.Notes != "" {
		a.Notes = params.Notes
	}

	_, err := tx.ExecContext(ctx, `
		UPDATE rbac_assignments
		SET is_active = TRUE, is_primary = $1, expires_at = $2, assigned_by = $3, notes = $4
		WHERE id = $5
	`, a.IsPrimary, a.ExpiresAt, a.AssignedBy, a.Notes, a.ID)
	if err != nil {
		return nil, classifyAssignmentWrite("Assign", err)
	}
	return a, nil
}

// classifyAssignmentWrite maps unique violations on rbac_assignments to their conflict errors
func classifyAssignmentWrite(op string, err error) error {
	detail, ok := uniqueViolation(err)
	if !ok {
		return fmt.Errorf("failed to write assignment: %w", err)
	}
	if strings.Contains(detail, "context") || strings.Contains(detail, "role_id") {
		return newError(op, ErrDuplicateAssignment, "%s", detail)
	}
	return newError(op, ErrAlreadyPrimary, "%s", detail)
}

// clearPrimary removes the primary flag from the principal's active assignments other
// than keepID, auditing each change
func (s *AssignmentStore) clearPrimary(ctx context.Context, tx *sql.Tx, principalID, keepID int64, performedBy *int64, now time.Time) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT `+assignmentColumns("")+`
		FROM rbac_assignments
		WHERE principal_id = $1 AND is_active = TRUE AND is_primary = TRUE AND id <> $2
	`, principalID, keepID)
	if err != nil {
		return fmt.Errorf("failed to load primary assignments: %w", err)
	}
	var cleared []*Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan assignment: %w", err)
		}
		cleared = append(cleared, a)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return err
	}

	for _, a := range cleared {
		if _, err := tx.ExecContext(ctx, "UPDATE rbac_assignments SET is_primary = FALSE WHERE id = $1", a.ID); err != nil {
			return fmt.Errorf("failed to clear primary assignment: %w", err)
		}
		a.IsPrimary = false
		err := s.audit.Record(ctx, tx, &audit.Entry{
			PrincipalID: a.PrincipalID,
			RoleID:      a.RoleID,
			Action:      audit.ActionModified,
			PerformedBy: performedBy,
			Reason:      "primary role moved",
			Metadata:    assignmentMetadata(a),
			CreatedAt:   now,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// RevokeParams selects the assignments to revoke. Context is matched exactly unless
// AllContexts is set.
type RevokeParams struct {
	PrincipalID int64
	RoleID      int64
	Context     Scope
	AllContexts bool
	PerformedBy *int64
	Reason      string
}

// Revoke deactivates the matching active assignments and reports whether any changed.
// Revoking an assignment that does not exist or is no longer active is a no-op.
func (s *AssignmentStore) Revoke(ctx context.Context, params RevokeParams) (bool, error) {
	ctx, span := s.opts.startSpan(ctx, "rbac.Revoke", principalAttr(params.PrincipalID), roleAttr(params.RoleID))
	revoked, err := s.revoke(ctx, params)
	span.SetAttributes(attribute.Bool("rbac.revoked", revoked))
	endSpan(span, err)
	return revoked, err
}

func (s *AssignmentStore) revoke(ctx context.Context, params RevokeParams) (bool, error) {
	unlock := s.graph.locks.lockPrincipal(params.PrincipalID)
	defer unlock()

	now := s.opts.now()
	var revoked []*Assignment
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := advisoryLock(ctx, tx, s.opts.Dialect, lockNamespacePrincipal, params.PrincipalID); err != nil {
			return err
		}

		cond := "principal_id = $1 AND role_id = $2 AND is_active = TRUE AND (expires_at IS NULL OR expires_at > $3)"
		args := []interface{}{params.PrincipalID, params.RoleID, now}
		if !params.AllContexts {
			cond += " AND context = $4"
			args = append(args, params.Context.Key())
		}

		var err error
		revoked, err = s.selectAssignments(ctx, tx, cond+" ORDER BY id", args...)
		if err != nil {
			return err
		}

		for _, a := range revoked {
			if _, err := tx.ExecContext(ctx, "UPDATE rbac_assignments SET is_active = FALSE WHERE id = $1", a.ID); err != nil {
				return fmt.Errorf("failed to revoke assignment: %w", err)
			}
			a.IsActive = false
			err := s.audit.Record(ctx, tx, &audit.Entry{
				PrincipalID: a.PrincipalID,
				RoleID:      a.RoleID,
				Action:      audit.ActionRevoked,
				PerformedBy: params.PerformedBy,
				Reason:      params.Reason,
				Metadata:    assignmentMetadata(a),
				CreatedAt:   now,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if len(revoked) == 0 {
		return false, nil
	}

	s.opts.bumpPrincipals(ctx, params.PrincipalID)
	s.opts.Metrics.ObserveMutation(string(audit.ActionRevoked), len(revoked))
	s.opts.Logger.WithFields(logrus.Fields{
		"principal_id": params.PrincipalID,
		"role_id":      params.RoleID,
		"count":        len(revoked),
	}).Info("role revoked")
	return true, nil
}

// SetPrimary makes an active assignment the principal's primary one, clearing the flag
// on every other active assignment in the same transaction
func (s *AssignmentStore) SetPrimary(ctx context.Context, assignmentID int64, performedBy *int64) (*Assignment, error) {
	ctx, span := s.opts.startSpan(ctx, "rbac.SetPrimary", assignmentAttr(assignmentID))
	a, err := s.setPrimary(ctx, assignmentID, performedBy)
	endSpan(span, err)
	return a, err
}

func (s *AssignmentStore) setPrimary(ctx context.Context, assignmentID int64, performedBy *int64) (*Assignment, error) {
	const op = "SetPrimary"

	current, err := s.GetAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}

	unlock := s.graph.locks.lockPrincipal(current.PrincipalID)
	defer unlock()

	now := s.opts.now()
	var result *Assignment
	err = withTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := advisoryLock(ctx, tx, s.opts.Dialect, lockNamespacePrincipal, current.PrincipalID); err != nil {
			return err
		}

		a, err := s.getAssignment(ctx, tx, assignmentID)
		if err != nil {
			return err
		}
		role, err := s.graph.getRole(ctx, tx, a.RoleID)
		if err != nil {
			return err
		}
		if !a.IsEffective(now) || !role.IsActive {
			return newError(op, ErrAssignmentInactive, "assignment %d", assignmentID)
		}
		a.Role = role
		result = a

		if err := s.clearPrimary(ctx, tx, a.PrincipalID, a.ID, performedBy, now); err != nil {
			return err
		}
		if a.IsPrimary {
			return nil
		}

		if _, err := tx.ExecContext(ctx, "UPDATE rbac_assignments SET is_primary = TRUE WHERE id = $1", a.ID); err != nil {
			return classifyAssignmentWrite(op, err)
		}
		a.IsPrimary = true
		return s.audit.Record(ctx, tx, &audit.Entry{
			PrincipalID: a.PrincipalID,
			RoleID:      a.RoleID,
			Action:      audit.ActionModified,
			PerformedBy: performedBy,
			Reason:      "set as primary role",
			Metadata:    assignmentMetadata(a),
			CreatedAt:   now,
		})
	})
	if err != nil {
		s.observeRejection(err)
		return nil, err
	}

	s.opts.bumpPrincipals(ctx, result.PrincipalID)
	s.opts.Metrics.ObserveMutation(string(audit.ActionModified), 1)
	return result, nil
}

// ExtendExpiration changes when an active assignment expires. A nil expiresAt makes it
// permanent.
func (s *AssignmentStore) ExtendExpiration(ctx context.Context, assignmentID int64, expiresAt *time.Time, performedBy *int64) (*Assignment, error) {
	ctx, span := s.opts.startSpan(ctx, "rbac.ExtendExpiration", assignmentAttr(assignmentID))
	a, err := s.extendExpiration(ctx, assignmentID, expiresAt, performedBy)
	endSpan(span, err)
	return a, err
}

func (s *AssignmentStore) extendExpiration(ctx context.Context, assignmentID int64, expiresAt *time.Time, performedBy *int64) (*Assignment, error) {
	const op = "ExtendExpiration"

	current, err := s.GetAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}

	unlock := s.graph.locks.lockPrincipal(current.PrincipalID)
	defer unlock()

	if expiresAt != nil {
		utc := expiresAt.UTC()
		expiresAt = &utc
	}

	now := s.opts.now()
	var result *Assignment
	err = withTx(ctx, s.db, func(tx *sql.Tx) error {
		a, err := s.getAssignment(ctx, tx, assignmentID)
		if err != nil {
			return err
		}
		if !a.IsEffective(now) {
			return newError(op, ErrAssignmentInactive, "assignment %d", assignmentID)
		}

		previous := a.ExpiresAt
		a.ExpiresAt = expiresAt
		if _, err := tx.ExecContext(ctx, "UPDATE rbac_assignments SET expires_at = $1 WHERE id = $2", a.ExpiresAt, a.ID); err != nil {
			return fmt.Errorf("failed to extend assignment: %w", err)
		}
		result = a

		metadata := assignmentMetadata(a)
		metadata["previous_expires_at"] = formatTimePtr(previous)
		return s.audit.Record(ctx, tx, &audit.Entry{
			PrincipalID: a.PrincipalID,
			RoleID:      a.RoleID,
			Action:      audit.ActionModified,
			PerformedBy: performedBy,
			Reason:      "expiration changed",
			Metadata:    metadata,
			CreatedAt:   now,
		})
	})
	if err != nil {
		return nil, err
	}

	s.opts.bumpPrincipals(ctx, result.PrincipalID)
	s.opts.Metrics.ObserveMutation(string(audit.ActionModified), 1)
	return result, nil
}

// BulkAssign assigns the same role to several principals, one transaction each. It stops
// at the first failure and returns how many assignments succeeded before it.
func (s *AssignmentStore) BulkAssign(ctx context.Context, principalIDs []int64, params AssignParams) (int, error) {
	assigned := 0
	for _, principalID := range principalIDs {
		p := params
		p.PrincipalID = principalID
		if _, err := s.Assign(ctx, p); err != nil {
			return assigned, fmt.Errorf("assigning principal %d: %w", principalID, err)
		}
		assigned++
	}
	return assigned, nil
}

// Purge permanently deletes an assignment. A revoked audit entry is written first in
// the same transaction.
func (s *AssignmentStore) Purge(ctx context.Context, assignmentID int64, performedBy *int64, reason string) error {
	ctx, span := s.opts.startSpan(ctx, "rbac.Purge", assignmentAttr(assignmentID))
	err := s.purge(ctx, assignmentID, performedBy, reason)
	endSpan(span, err)
	return err
}

func (s *AssignmentStore) purge(ctx context.Context, assignmentID int64, performedBy *int64, reason string) error {
	current, err := s.GetAssignment(ctx, assignmentID)
	if err != nil {
		return err
	}

	unlock := s.graph.locks.lockPrincipal(current.PrincipalID)
	defer unlock()

	now := s.opts.now()
	err = withTx(ctx, s.db, func(tx *sql.Tx) error {
		a, err := s.getAssignment(ctx, tx, assignmentID)
		if err != nil {
			return err
		}

		metadata := assignmentMetadata(a)
		metadata["purged"] = true
		metadata["was_active"] = a.IsActive
		err = s.audit.Record(ctx, tx, &audit.Entry{
			PrincipalID: a.PrincipalID,
			RoleID:      a.RoleID,
			Action:      audit.ActionRevoked,
			PerformedBy: performedBy,
			Reason:      reason,
			Metadata:    metadata,
			CreatedAt:   now,
		})
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM rbac_assignments WHERE id = $1", a.ID); err != nil {
			return fmt.Errorf("failed to purge assignment: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.opts.bumpPrincipals(ctx, current.PrincipalID)
	s.opts.Metrics.ObserveMutation(string(audit.ActionRevoked), 1)
	s.opts.Logger.WithFields(logrus.Fields{
		"assignment_id": assignmentID,
		"principal_id":  current.PrincipalID,
	}).Warn("assignment purged")
	return nil
}

// deactivateRoleAssignments revokes every active assignment of role within tx and
// returns the affected principals
func (s *AssignmentStore) deactivateRoleAssignments(ctx context.Context, tx *sql.Tx, role *Role, performedBy *int64) ([]int64, error) {
	affected, err := s.selectAssignments(ctx, tx, "role_id = $1 AND is_active = TRUE ORDER BY id", role.ID)
	if err != nil {
		return nil, err
	}

	now := s.opts.now()
	principals := make([]int64, 0, len(affected))
	seen := make(map[int64]bool)
	for _, a := range affected {
		if _, err := tx.ExecContext(ctx, "UPDATE rbac_assignments SET is_active = FALSE WHERE id = $1", a.ID); err != nil {
			return nil, fmt.Errorf("failed to deactivate assignment: %w", err)
		}
		a.IsActive = false
		err := s.audit.Record(ctx, tx, &audit.Entry{
			PrincipalID: a.PrincipalID,
			RoleID:      a.RoleID,
			Action:      audit.ActionRevoked,
			PerformedBy: performedBy,
			Reason:      "role deactivated",
			Metadata:    assignmentMetadata(a),
			CreatedAt:   now,
		})
		if err != nil {
			return nil, err
		}
		if !seen[a.PrincipalID] {
			seen[a.PrincipalID] = true
			principals = append(principals, a.PrincipalID)
		}
	}
	return principals, nil
}

// ExpireOptions bounds an expiration pass
type ExpireOptions struct {
	// PrincipalID restricts the pass to one principal
	PrincipalID *int64
	// BatchSize is the number of due assignments loaded per chunk
	BatchSize int
	// RunID is recorded as sweep_id in each expired audit entry
	RunID string
}

// ExpireDue deactivates every active assignment whose expiration is at or before now
func (s *AssignmentStore) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	return s.Expire(ctx, now, ExpireOptions{})
}

// ExpireDueFor deactivates the principal's due assignments
func (s *AssignmentStore) ExpireDueFor(ctx context.Context, principalID int64, now time.Time) (int, error) {
	return s.Expire(ctx, now, ExpireOptions{PrincipalID: &principalID})
}

// Expire deactivates due assignments in bounded chunks, one short transaction per row,
// and writes an expired audit entry for each row it changed. Rows already deactivated by
// a concurrent pass are skipped, so repeated or concurrent calls never double-count.
func (s *AssignmentStore) Expire(ctx context.Context, now time.Time, opts ExpireOptions) (int, error) {
	ctx, span := s.opts.startSpan(ctx, "rbac.Expire", attribute.String("rbac.sweep_id", opts.RunID))
	if opts.PrincipalID != nil {
		span.SetAttributes(principalAttr(*opts.PrincipalID))
	}
	n, err := s.expire(ctx, now, opts)
	span.SetAttributes(attribute.Int("rbac.expired", n))
	endSpan(span, err)
	return n, err
}

func (s *AssignmentStore) expire(ctx context.Context, now time.Time, opts ExpireOptions) (int, error) {
	now = now.UTC()
	batch := opts.BatchSize
	if batch <= 0 {
		batch = s.opts.ExpireBatchSize
	}

	expired := 0
	var principals []int64
	seen := make(map[int64]bool)
	var cursor int64

	for {
		ids, err := s.dueIDs(ctx, now, opts.PrincipalID, cursor, batch)
		if err != nil {
			s.finishExpire(ctx, principals, expired)
			return expired, err
		}

		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				s.finishExpire(ctx, principals, expired)
				return expired, err
			}
			a, err := s.expireOne(ctx, id, now, opts.RunID)
			if err != nil {
				s.finishExpire(ctx, principals, expired)
				return expired, err
			}
			if a == nil {
				continue
			}
			expired++
			if !seen[a.PrincipalID] {
				seen[a.PrincipalID] = true
				principals = append(principals, a.PrincipalID)
			}
		}

		if len(ids) < batch {
			break
		}
		cursor = ids[len(ids)-1]
	}

	s.finishExpire(ctx, principals, expired)
	return expired, nil
}

func (s *AssignmentStore) finishExpire(ctx context.Context, principals []int64, expired int) {
	if expired == 0 {
		return
	}
	s.opts.bumpPrincipals(ctx, principals...)
	s.opts.Metrics.ObserveMutation(string(audit.ActionExpired), expired)
	s.opts.Logger.WithFields(logrus.Fields{
		"expired":    expired,
		"principals": len(principals),
	}).Info("expired role assignments")
}

func (s *AssignmentStore) dueIDs(ctx context.Context, now time.Time, principalID *int64, after int64, limit int) ([]int64, error) {
	query := `
		SELECT id FROM rbac_assignments
		WHERE is_active = TRUE AND expires_at IS NOT NULL AND expires_at <= $1 AND id > $2
	`
	args := []interface{}{now, after}
	if principalID != nil {
		query += " AND principal_id = $3"
		args = append(args, *principalID)
	}
	query += fmt.Sprintf(" ORDER BY id LIMIT %d", limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find expired assignments: %w", err)
	}
	defer rows.Close()

	ids := make([]int64, 0, limit)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan expired assignment: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// expireOne deactivates a single due assignment. It returns nil when the row was no
// longer due by the time it was updated.
func (s *AssignmentStore) expireOne(ctx context.Context, id int64, now time.Time, runID string) (*Assignment, error) {
	var expired *Assignment
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE rbac_assignments SET is_active = FALSE
			WHERE id = $1 AND is_active = TRUE AND expires_at IS NOT NULL AND expires_at <= $2
		`, id, now)
		if err != nil {
			return fmt.Errorf("failed to expire assignment: %w", err)
		}
		if n, _ := result.RowsAffected(); n != 1 {
			return nil
		}

		a, err := s.getAssignment(ctx, tx, id)
		if err != nil {
			return err
		}

		metadata := assignmentMetadata(a)
		metadata["expired_at"] = now.Format(time.RFC3339Nano)
		if runID != "" {
			metadata["sweep_id"] = runID
		}
		err = s.audit.Record(ctx, tx, &audit.Entry{
			PrincipalID: a.PrincipalID,
			RoleID:      a.RoleID,
			Action:      audit.ActionExpired,
			Reason:      "role expired automatically",
			Metadata:    metadata,
			CreatedAt:   now,
		})
		if err != nil {
			return err
		}
		expired = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

// GetAssignment retrieves an assignment by ID regardless of its state
func (s *AssignmentStore) GetAssignment(ctx context.Context, assignmentID int64) (*Assignment, error) {
	return s.getAssignment(ctx, s.db, assignmentID)
}

func (s *AssignmentStore) getAssignment(ctx context.Context, q querier, assignmentID int64) (*Assignment, error) {
	query := `SELECT ` + assignmentColumns("") + ` FROM rbac_assignments WHERE id = $1`
	a, err := scanAssignment(q.QueryRowContext(ctx, query, assignmentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("GetAssignment", "assignment", assignmentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assignment: %w", err)
	}
	return a, nil
}

// AssignmentsFor returns every assignment row of a principal, active or not, newest first
func (s *AssignmentStore) AssignmentsFor(ctx context.Context, principalID int64) ([]Assignment, error) {
	found, err := s.selectAssignments(ctx, s.db, "principal_id = $1 ORDER BY assigned_at DESC, id DESC", principalID)
	if err != nil {
		return nil, err
	}
	return derefAssignments(found), nil
}

// ActiveAssignmentsFor returns the principal's logically active assignments of active
// roles, primary first, then most recently assigned. Assignments past their expiration
// are excluded whether or not the sweeper has run.
func (s *AssignmentStore) ActiveAssignmentsFor(ctx context.Context, principalID int64) ([]Assignment, error) {
	return s.activeAssignmentsFor(ctx, principalID, s.opts.now())
}

func (s *AssignmentStore) activeAssignmentsFor(ctx context.Context, principalID int64, now time.Time) ([]Assignment, error) {
	query := `
		SELECT ` + assignmentColumns("a") + `, ` + roleColumns("r") + `
		FROM rbac_assignments a
		JOIN rbac_roles r ON r.id = a.role_id
		WHERE a.principal_id = $1
			AND a.is_active = TRUE
			AND (a.expires_at IS NULL OR a.expires_at > $2)
			AND r.is_active = TRUE
		ORDER BY a.is_primary DESC, a.assigned_at DESC, a.id DESC
	`
	rows, err := s.db.QueryContext(ctx, query, principalID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to load active assignments: %w", err)
	}

	assignments := make([]Assignment, 0)
	for rows.Next() {
		a, err := scanAssignmentWithRole(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		assignments = append(assignments, *a)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}

	for i := range assignments {
		assignments[i].Role.PermissionIDs, err = loadPermissionIDs(ctx, s.db, assignments[i].RoleID)
		if err != nil {
			return nil, err
		}
	}
	return assignments, nil
}

// CountActive returns the number of logically active assignments of a role
func (s *AssignmentStore) CountActive(ctx context.Context, roleID int64) (int, error) {
	return countWhere(ctx, s.db, "rbac_assignments",
		"role_id = $1 AND is_active = TRUE AND (expires_at IS NULL OR expires_at > $2)",
		roleID, s.opts.now())
}

// PrincipalsWithRole returns the principals holding a logically active assignment of a role
func (s *AssignmentStore) PrincipalsWithRole(ctx context.Context, roleID int64) ([]int64, error) {
	return s.principalsWithRoles(ctx, []int64{roleID})
}

// PrincipalsWithPermission returns the principals granted the named permission through
// any active role, directly or by inheritance
func (s *AssignmentStore) PrincipalsWithPermission(ctx context.Context, name string) ([]int64, error) {
	perm, err := s.graph.GetPermissionByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if !perm.IsActive {
		return []int64{}, nil
	}

	rows, err := s.db.QueryContext(ctx, "SELECT role_id FROM rbac_role_permissions WHERE permission_id = $1", perm.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load granting roles: %w", err)
	}
	granting := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan granting role: %w", err)
		}
		granting[id] = true
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}

	parents, err := s.graph.parentMap(ctx, s.db)
	if err != nil {
		return nil, err
	}

	var roleIDs []int64
	for roleID := range parents {
		for _, id := range chain(parents, roleID) {
			if granting[id] {
				roleIDs = append(roleIDs, roleID)
				break
			}
		}
	}
	return s.principalsWithRoles(ctx, roleIDs)
}

func (s *AssignmentStore) principalsWithRoles(ctx context.Context, roleIDs []int64) ([]int64, error) {
	principals := make([]int64, 0)
	if len(roleIDs) == 0 {
		return principals, nil
	}

	args := append([]interface{}{s.opts.now()}, int64Args(roleIDs)...)
	query := `
		SELECT DISTINCT a.principal_id
		FROM rbac_assignments a
		JOIN rbac_roles r ON r.id = a.role_id
		WHERE a.is_active = TRUE
			AND (a.expires_at IS NULL OR a.expires_at > $1)
			AND r.is_active = TRUE
			AND a.role_id IN (` + placeholders(2, len(roleIDs)) + `)
		ORDER BY a.principal_id
	`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load principals: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan principal: %w", err)
		}
		principals = append(principals, id)
	}
	return principals, rows.Err()
}

// selectAssignments loads assignments matching where, which may end in ORDER BY.
// All rows are read before returning so the caller may issue further statements on q.
func (s *AssignmentStore) selectAssignments(ctx context.Context, q querier, where string, args ...interface{}) ([]*Assignment, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+assignmentColumns("")+` FROM rbac_assignments WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load assignments: %w", err)
	}
	defer rows.Close()

	var found []*Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		found = append(found, a)
	}
	return found, rows.Err()
}

func derefAssignments(in []*Assignment) []Assignment {
	out := make([]Assignment, len(in))
	for i, a := range in {
		out[i] = *a
	}
	return out
}

func (s *AssignmentStore) observeRejection(err error) {
	var reason string
	switch {
	case errors.Is(err, ErrCapacityExceeded):
		reason = "capacity_exceeded"
	case errors.Is(err, ErrRoleInactive):
		reason = "role_inactive"
	case errors.Is(err, ErrAlreadyPrimary):
		reason = "already_primary"
	case errors.Is(err, ErrAssignmentInactive):
		reason = "assignment_inactive"
	case errors.Is(err, ErrDuplicateAssignment):
		reason = "duplicate_assignment"
	default:
		return
	}
	s.opts.Metrics.ObserveRejection(reason)
}

// assignmentMetadata snapshots the fields recorded with every audit entry
func assignmentMetadata(a *Assignment) map[string]interface{} {
	scope := a.Context
	if scope == nil {
		scope = Scope{}
	}
	return map[string]interface{}{
		"assignment_id": a.ID,
		"expires_at":    formatTimePtr(a.ExpiresAt),
		"context":       map[string]string(scope),
		"is_primary":    a.IsPrimary,
	}
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
