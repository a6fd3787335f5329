package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Querier is satisfied by both *sql.DB and *sql.Tx
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Log writes and reads entries in the rbac_audit_entries table
type Log struct {
	db  *sql.DB
	now func() time.Time
}

// NewLog creates a new audit log backed by db
func NewLog(db *sql.DB) *Log {
	return &Log{
		db:  db,
		now: time.Now,
	}
}

// WithClock overrides the clock used to stamp entries that have no CreatedAt
func (l *Log) WithClock(now func() time.Time) *Log {
	l.now = now
	return l
}

const entryColumns = `id, principal_id, role_id, action, performed_by, reason, metadata, created_at`

// Record appends an entry using q, which should be the transaction carrying the mutation
// being recorded. When q is nil the entry is written directly to the database.
func (l *Log) Record(ctx context.Context, q Querier, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("audit entry is required")
	}
	if !entry.Action.Valid() {
		return fmt.Errorf("invalid audit action %q", entry.Action)
	}
	if q == nil {
		q = l.db
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = l.now()
	}
	entry.CreatedAt = entry.CreatedAt.UTC()

	metadata := entry.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal audit metadata: %w", err)
	}

	query := `
		INSERT INTO rbac_audit_entries (principal_id, role_id, action, performed_by, reason, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`
	err = q.QueryRowContext(ctx, query,
		entry.PrincipalID,
		entry.RoleID,
		string(entry.Action),
		entry.PerformedBy,
		entry.Reason,
		string(metadataJSON),
		entry.CreatedAt,
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("failed to record audit entry: %w", err)
	}
	return nil
}

// HistoryFor returns the entries for a principal, newest first
func (l *Log) HistoryFor(ctx context.Context, principalID int64, limit int) ([]Entry, error) {
	return l.Search(ctx, Filter{PrincipalID: &principalID, Limit: limit})
}

// RecentChanges returns entries created at or after since, newest first
func (l *Log) RecentChanges(ctx context.Context, since time.Time, limit int) ([]Entry, error) {
	since = since.UTC()
	return l.Search(ctx, Filter{Since: &since, Limit: limit})
}

// ChangesByActor returns entries performed by the given actor, newest first
func (l *Log) ChangesByActor(ctx context.Context, actorID int64, limit int) ([]Entry, error) {
	return l.Search(ctx, Filter{PerformedBy: &actorID, Limit: limit})
}

// ByAction returns entries with the given action, newest first
func (l *Log) ByAction(ctx context.Context, action Action, limit int) ([]Entry, error) {
	return l.Search(ctx, Filter{Actions: []Action{action}, Limit: limit})
}

// Search returns the entries matching filter
func (l *Log) Search(ctx context.Context, filter Filter) ([]Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM rbac_audit_entries WHERE 1=1`

	args := []interface{}{}
	argCount := 1

	if filter.PrincipalID != nil {
		query += fmt.Sprintf(" AND principal_id = $%d", argCount)
		args = append(args, *filter.PrincipalID)
		argCount++
	}

	if filter.RoleID != nil {
		query += fmt.Sprintf(" AND role_id = $%d", argCount)
		args = append(args, *filter.RoleID)
		argCount++
	}

	if filter.PerformedBy != nil {
		query += fmt.Sprintf(" AND performed_by = $%d", argCount)
		args = append(args, *filter.PerformedBy)
		argCount++
	}

	if len(filter.Actions) > 0 {
		placeholders := make([]string, len(filter.Actions))
		for i, action := range filter.Actions {
			placeholders[i] = fmt.Sprintf("$%d", argCount)
			args = append(args, string(action))
			argCount++
		}
		query += " AND action IN (" + strings.Join(placeholders, ", ") + ")"
	}

	if filter.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argCount)
		args = append(args, filter.Since.UTC())
		argCount++
	}

	if filter.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argCount)
		args = append(args, filter.Until.UTC())
		argCount++
	}

	if filter.Ascending {
		query += " ORDER BY created_at ASC, id ASC"
	} else {
		query += " ORDER BY created_at DESC, id DESC"
	}

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argCount)
		args = append(args, filter.Limit)
		argCount++
	}

	if filter.Offset > 0 {
		if filter.Limit <= 0 {
			// sqlite requires a LIMIT before OFFSET
			query += " LIMIT -1"
		}
		query += fmt.Sprintf(" OFFSET $%d", argCount)
		args = append(args, filter.Offset)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit entries: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

func scanEntry(scanner interface {
	Scan(dest ...interface{}) error
}) (*Entry, error) {
	var (
		entry        Entry
		action       string
		performedBy  sql.NullInt64
		reason       sql.NullString
		metadataJSON []byte
	)

	err := scanner.Scan(
		&entry.ID,
		&entry.PrincipalID,
		&entry.RoleID,
		&action,
		&performedBy,
		&reason,
		&metadataJSON,
		&entry.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan audit entry: %w", err)
	}

	entry.Action = Action(action)
	entry.Reason = reason.String
	entry.CreatedAt = entry.CreatedAt.UTC()
	if performedBy.Valid {
		entry.PerformedBy = &performedBy.Int64
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit metadata: %w", err)
		}
	}

	return &entry, nil
}
