package audit

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEntries() []Entry {
	return []Entry{
		{
			ID:          1,
			PrincipalID: 5,
			RoleID:      2,
			Action:      ActionAssigned,
			PerformedBy: int64Ptr(9),
			Reason:      "onboarding",
			CreatedAt:   time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
		},
		{
			ID:          2,
			PrincipalID: 5,
			RoleID:      2,
			Action:      ActionExpired,
			Metadata:    map[string]interface{}{"sweep_id": "abc"},
			CreatedAt:   time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC),
		},
	}
}

func TestExport_JSON(t *testing.T) {
	data, err := Export(sampleEntries(), ExportFormatJSON)
	require.NoError(t, err)

	var decoded []Entry
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, ActionExpired, decoded[1].Action)
}

func TestExport_NDJSON(t *testing.T) {
	data, err := Export(sampleEntries(), ExportFormatNDJSON)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"action":"assigned"`)
}

func TestExport_CSV(t *testing.T) {
	data, err := Export(sampleEntries(), ExportFormatCSV)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "ID,CreatedAt,PrincipalID,RoleID,Action,PerformedBy,Reason,Metadata", lines[0])
	assert.Equal(t, "1,2026-03-01T08:00:00Z,5,2,assigned,9,onboarding,", lines[1])
	assert.Contains(t, lines[2], "expired,,")
	assert.Contains(t, lines[2], "sweep_id")
}

func TestExport_UnsupportedFormat(t *testing.T) {
	_, err := Export(sampleEntries(), "xml")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported export format")
}
