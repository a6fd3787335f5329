package rbac

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// Kind classifies an error for callers that map errors to responses
type Kind string

const (
	KindValidation Kind = "validation"
	KindConflict   Kind = "conflict"
	KindNotFound   Kind = "not_found"
	KindForbidden  Kind = "forbidden"
	KindInternal   Kind = "internal"
)

// Sentinel errors. Use errors.Is to test for them.
var (
	ErrInvalidFormat           = errors.New("invalid format")
	ErrInvalidCategory         = errors.New("invalid permission category")
	ErrDuplicateName           = errors.New("name already exists")
	ErrDuplicateCodename       = errors.New("codename already exists")
	ErrDuplicateSlug           = errors.New("slug already exists")
	ErrCyclicInheritance       = errors.New("role inheritance would create a cycle")
	ErrMultipleDefaultsAtLevel = errors.New("another active default role exists at this level")
	ErrRoleInactive            = errors.New("role is inactive")
	ErrCapacityExceeded        = errors.New("role has reached its maximum number of users")
	ErrAlreadyPrimary          = errors.New("principal already has a primary role")
	ErrAssignmentInactive      = errors.New("assignment is not active")
	ErrDuplicateAssignment     = errors.New("assignment already exists for this principal, role and context")
	ErrNotFound                = errors.New("not found")
	ErrPermissionDenied        = errors.New("permission denied")
)

var sentinelKinds = map[error]Kind{
	ErrInvalidFormat:           KindValidation,
	ErrInvalidCategory:         KindValidation,
	ErrDuplicateName:           KindValidation,
	ErrDuplicateCodename:       KindValidation,
	ErrDuplicateSlug:           KindValidation,
	ErrCyclicInheritance:       KindValidation,
	ErrMultipleDefaultsAtLevel: KindValidation,
	ErrRoleInactive:            KindConflict,
	ErrCapacityExceeded:        KindConflict,
	ErrAlreadyPrimary:          KindConflict,
	ErrAssignmentInactive:      KindConflict,
	ErrDuplicateAssignment:     KindConflict,
	ErrNotFound:                KindNotFound,
	ErrPermissionDenied:        KindForbidden,
}

// Error is the error type returned by rbac operations
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Message != "" {
		b.WriteString(e.Message)
		if e.Err != nil {
			b.WriteString(": ")
		}
	}
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// newError wraps a sentinel with operation context. The kind is derived from the sentinel.
func newError(op string, sentinel error, format string, args ...interface{}) *Error {
	kind, ok := sentinelKinds[sentinel]
	if !ok {
		kind = KindInternal
	}
	return &Error{
		Kind:    kind,
		Op:      op,
		Message: fmt.Sprintf(format, args...),
		Err:     sentinel,
	}
}

func notFound(op, what string, id interface{}) *Error {
	return newError(op, ErrNotFound, "%s %v", what, id)
}

// KindOf returns the Kind of err, or KindInternal for unclassified errors
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var rbacErr *Error
	if errors.As(err, &rbacErr) && rbacErr.Kind != "" {
		return rbacErr.Kind
	}
	for sentinel, kind := range sentinelKinds {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindInternal
}

// HTTPStatus maps err to the status code an HTTP layer should return
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case "":
		return http.StatusOK
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// uniqueViolation reports whether err is a unique constraint violation and returns the
// constraint text the driver reported
func uniqueViolation(err error) (string, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return pqErr.Constraint + " " + pqErr.Message, true
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) && liteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return liteErr.Error(), true
	}

	return "", false
}
