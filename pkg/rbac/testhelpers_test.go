package rbac

import (
	"context"
	"database/sql"
	"io"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// testClock is a settable clock shared by every component of a test manager
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, RunMigrations(context.Background(), db, DialectSQLite, quietLogger()))
	return db
}

// setupTestManager returns a manager over a migrated in-memory database
func setupTestManager(t *testing.T, mutate ...func(*Options)) (*Manager, *testClock) {
	t.Helper()

	clock := newTestClock()
	opts := Options{
		Dialect: DialectSQLite,
		Logger:  quietLogger(),
		Now:     clock.Now,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	return New(setupTestDB(t), opts), clock
}

func mustPermission(t *testing.T, m *Manager, name string) *Permission {
	t.Helper()

	resource, action := splitName(name)
	perm, err := m.Graph.CreatePermission(context.Background(), CreatePermissionParams{
		Name:     name,
		Codename: resource + "-" + action,
		Category: CategoryContent,
	})
	require.NoError(t, err)
	return perm
}

func splitName(name string) (string, string) {
	p := Permission{Name: name}
	return p.Resource(), p.Action()
}

func mustRole(t *testing.T, m *Manager, params CreateRoleParams) *Role {
	t.Helper()

	role, err := m.Graph.CreateRole(context.Background(), params)
	require.NoError(t, err)
	return role
}

func mustAssign(t *testing.T, m *Manager, params AssignParams) *Assignment {
	t.Helper()

	a, err := m.Assignments.Assign(context.Background(), params)
	require.NoError(t, err)
	return a
}

func int64Ptr(v int64) *int64 { return &v }

func intPtr(v int) *int { return &v }

func timePtr(t time.Time) *time.Time { return &t }
