// Package render assembles generated sections into the final report
// artifact on disk.
package render

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"reportforge/pkg/logx"
	"reportforge/pkg/persistence"
)

// Writer writes finished reports under a base directory, one markdown
// file per report keyed by report ID.
type Writer struct {
	baseDir string
	logger  *logx.Logger
}

// NewWriter creates a Writer rooted at baseDir.
func NewWriter(baseDir string) *Writer {
	return &Writer{
		baseDir: baseDir,
		logger:  logx.NewLogger("render"),
	}
}

// Write assembles the report markdown and writes it to disk, returning
// the artifact path. Sections must already be in outline order; each
// section's latest content wins over its original output.
func (w *Writer) Write(report *persistence.Report, sections []*persistence.Section) (string, error) {
	if err := os.MkdirAll(w.baseDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create reports directory: %w", err)
	}

	path := filepath.Join(w.baseDir, report.ID+".md")
	content := Assemble(report, sections)

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("failed to write report artifact: %w", err)
	}

	w.logger.Info("wrote report %s (%d sections) to %s", report.ID, len(sections), path)
	return path, nil
}

// Assemble builds the full markdown document: a title heading followed by
// the section texts joined by blank lines.
func Assemble(report *persistence.Report, sections []*persistence.Section) string {
	title := report.Name
	if title == "" {
		title = fmt.Sprintf("%s %s Report", report.Company, strings.ToUpper(report.Standard))
	}

	parts := make([]string, 0, len(sections)+1)
	parts = append(parts, "# "+title)
	for _, section := range sections {
		text := strings.TrimSpace(section.LatestContent())
		if text == "" {
			continue
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, "\n\n") + "\n"
}
