package distill

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"elfcore/internal/logging"
	"elfcore/internal/qerr"
	"elfcore/internal/types"
)

// autoSectionMarker delimits the only section of the golden-rules file the
// core ever rewrites. Everything above it is preserved verbatim.
const autoSectionMarker = "# Auto-Distilled Patterns"

// formatPatternBlock renders one promoted pattern as a golden-rules block.
func formatPatternBlock(p *types.Pattern, n int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## %d. %s\n\n", n, p.PatternText)
	fmt.Fprintf(&sb, "**Category:** %s\n", orDomain(p.Domain))
	fmt.Fprintf(&sb, "**Strength:** %.2f\n", p.Strength)
	fmt.Fprintf(&sb, "**Observed:** %d times across %d sessions\n",
		p.OccurrenceCount, len(distinct(p.SessionIDs)))
	fmt.Fprintf(&sb, "**First seen:** %s\n\n", p.FirstSeen.Format("2006-01-02"))
	return sb.String()
}

// rewriteAutoSection replaces the auto-distilled section of the
// golden-rules file, preserving everything before the marker, and writes
// the file atomically (temp file + rename).
func (d *Distiller) rewriteAutoSection(patterns []*types.Pattern) error {
	var head string
	data, err := os.ReadFile(d.goldenRulesPath)
	switch {
	case err == nil:
		content := string(data)
		if idx := strings.Index(content, autoSectionMarker); idx >= 0 {
			head = content[:idx]
		} else {
			head = content
			if head != "" && !strings.HasSuffix(head, "\n\n") {
				head = strings.TrimRight(head, "\n") + "\n\n"
			}
		}
	case os.IsNotExist(err):
		head = "# Golden Rules\n\n"
	default:
		return qerr.Wrap(qerr.CodeConfiguration, err, "failed to read golden rules at %s", d.goldenRulesPath)
	}

	var sb strings.Builder
	sb.WriteString(head)
	sb.WriteString(autoSectionMarker + "\n\n")
	sb.WriteString("Patterns promoted automatically from session observation.\n\n")
	for i, p := range patterns {
		sb.WriteString(formatPatternBlock(p, i+1))
	}

	dir := filepath.Dir(d.goldenRulesPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return qerr.Wrap(qerr.CodeConfiguration, err, "failed to create %s", dir)
	}
	tmp, err := os.CreateTemp(dir, ".golden-rules-*.md")
	if err != nil {
		return qerr.Wrap(qerr.CodeConfiguration, err, "failed to create temp file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(sb.String()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return qerr.Wrap(qerr.CodeConfiguration, err, "failed to write golden rules")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return qerr.Wrap(qerr.CodeConfiguration, err, "failed to close temp file")
	}
	if err := os.Rename(tmpName, d.goldenRulesPath); err != nil {
		os.Remove(tmpName)
		return qerr.Wrap(qerr.CodeConfiguration, err, "failed to replace golden rules")
	}

	logging.Distill("Rewrote auto-distilled section with %d patterns", len(patterns))
	return nil
}
