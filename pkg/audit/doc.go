// Package audit provides the append-only history of role assignment changes.
//
// # Overview
//
// Every mutation to a role assignment (assign, revoke, expire, modify) produces exactly one
// Entry. Entries are written through Record using the caller's transaction so the entry and
// the mutation commit or roll back together. Entries are never updated or deleted.
//
// # Actions
//
//	ActionAssigned  - a role was granted, or an inactive assignment was reactivated
//	ActionRevoked   - an active assignment was turned off by an operator or by role deactivation
//	ActionExpired   - the expiration sweep turned off an assignment whose expires_at passed
//	ActionModified  - expiration, primary flag or notes changed on an active assignment
//
// # Usage Example
//
// Record inside a transaction:
//
//	tx, _ := db.BeginTx(ctx, nil)
//	// ... mutate rbac_assignments ...
//	err := log.Record(ctx, tx, &audit.Entry{
//		PrincipalID: 42,
//		RoleID:      3,
//		Action:      audit.ActionAssigned,
//		PerformedBy: &adminID,
//		Reason:      "promoted to moderator",
//	})
//
// Query history:
//
//	entries, err := log.HistoryFor(ctx, 42, 50)
//	recent, err := log.RecentChanges(ctx, time.Now().Add(-24*time.Hour), 100)
//	byActor, err := log.ChangesByActor(ctx, adminID, 100)
//
// # Export
//
// Entries can be rendered as JSON, NDJSON or CSV for offline review:
//
//	data, err := audit.Export(entries, audit.ExportFormatCSV)
package audit
