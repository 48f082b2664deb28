package render

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportforge/pkg/persistence"
)

func TestAssemble(t *testing.T) {
	report := &persistence.Report{
		ID:       "r1",
		Name:     "Acme Climate Report",
		Company:  "Acme",
		Standard: "tcfd",
	}
	sections := []*persistence.Section{
		{Name: "Introduction", AgentOutput: "Opening paragraph."},
		{Name: "Emissions", AgentOutput: "Original emissions text.", LatestEdit: "Edited emissions text."},
		{Name: "Empty", AgentOutput: "   "},
		{Name: "Conclusion", AgentOutput: "Closing paragraph."},
	}

	content := Assemble(report, sections)

	assert.Equal(t,
		"# Acme Climate Report\n\nOpening paragraph.\n\nEdited emissions text.\n\nClosing paragraph.\n",
		content)
}

func TestAssembleFallbackTitle(t *testing.T) {
	report := &persistence.Report{ID: "r2", Company: "Globex", Standard: "csrd"}

	content := Assemble(report, nil)

	assert.Equal(t, "# Globex CSRD Report\n", content)
}

func TestWriterWrite(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "reports")
	writer := NewWriter(dir)

	report := &persistence.Report{ID: "report-123", Name: "Test Report"}
	sections := []*persistence.Section{{Name: "Body", AgentOutput: "Body text."}}

	path, err := writer.Write(report, sections)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "report-123.md"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "# Test Report\n\nBody text.\n", string(data))
}
