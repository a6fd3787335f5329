package rbac

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAdvisoryKey(t *testing.T) {
	// ids beyond 32 bits keep distinct keys
	big := int64(1) << 40
	assert.NotEqual(t, advisoryKey(lockNamespaceRole, 7), advisoryKey(lockNamespaceRole, big+7))
	assert.NotEqual(t, advisoryKey(lockNamespacePrincipal, big), advisoryKey(lockNamespacePrincipal, 0))

	// the same id in different namespaces never shares a key
	assert.NotEqual(t, advisoryKey(lockNamespaceRole, 42), advisoryKey(lockNamespacePrincipal, 42))
	assert.NotEqual(t, advisoryKey(lockNamespacePrincipal, 0), advisoryKey(lockNamespaceGraph, 0))

	for _, ns := range []lockNamespace{lockNamespaceRole, lockNamespacePrincipal, lockNamespaceGraph} {
		assert.Positive(t, advisoryKey(ns, math.MaxInt64))
		assert.Positive(t, advisoryKey(ns, 1))
	}
}
