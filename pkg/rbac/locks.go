package rbac

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

const lockStripes = 64

// lockNamespace selects the top bits of an advisory lock key so that a role id and a
// principal id with the same value never share a lock
type lockNamespace int64

const (
	lockNamespaceRole      lockNamespace = 1 // role capacity
	lockNamespacePrincipal lockNamespace = 2 // principal primary flag
	lockNamespaceGraph     lockNamespace = 3 // role graph mutations
)

// lockKeyBits is the width of the id part of an advisory lock key. Ids below 2^61 map
// to distinct keys; larger ids wrap and may share a lock, which only serializes more.
const lockKeyBits = 61

func advisoryKey(namespace lockNamespace, key int64) int64 {
	return int64(namespace)<<lockKeyBits | key&(1<<lockKeyBits-1)
}

// stripedMutex serializes work per key within one process without one mutex per key
type stripedMutex struct {
	stripes [lockStripes]sync.Mutex
}

func (m *stripedMutex) lock(key int64) func() {
	idx := uint64(key) % lockStripes
	m.stripes[idx].Lock()
	return m.stripes[idx].Unlock
}

// assignmentLocks guards the capacity and single-primary checks. Role locks are always
// taken before principal locks.
type assignmentLocks struct {
	roles      stripedMutex
	principals stripedMutex
}

func (l *assignmentLocks) lockRoleAndPrincipal(roleID, principalID int64) func() {
	unlockRole := l.roles.lock(roleID)
	unlockPrincipal := l.principals.lock(principalID)
	return func() {
		unlockPrincipal()
		unlockRole()
	}
}

func (l *assignmentLocks) lockPrincipal(principalID int64) func() {
	return l.principals.lock(principalID)
}

// advisoryLock takes a transaction-scoped advisory lock so that other processes sharing
// the database serialize on the same key. It is a no-op outside postgres.
func advisoryLock(ctx context.Context, tx *sql.Tx, dialect Dialect, namespace lockNamespace, key int64) error {
	if dialect != DialectPostgres {
		return nil
	}
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryKey(namespace, key)); err != nil {
		return fmt.Errorf("failed to acquire advisory lock: %w", err)
	}
	return nil
}
