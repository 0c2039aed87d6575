package observe

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"elfcore/internal/store"
)

func newTestObserver(t *testing.T) (*Observer, *store.Store) {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s), s
}

func logLine(ts time.Time, tool, input, output, outcome string) string {
	return fmt.Sprintf(`{"ts": %q, "type": "tool_use", "tool": %q, "input_summary": %q, "output_summary": %q, "outcome": %q}`,
		ts.Format(time.RFC3339), tool, input, output, outcome)
}

func TestNormalizeInput(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"path", "cat /home/user/project/main.go", "cat /PATH"},
		{"line number", "main.go:42 has the bug", "main.go:N has the bug"},
		{"quoted", `grep "secret token" config`, `grep "..." config`},
		{"cap", strings.Repeat("x", 150), strings.Repeat("x", 100)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizeInput(tt.input))
		})
	}
}

func TestHashPatternStable(t *testing.T) {
	h1 := hashPattern("retry", "Bash:go test ./...")
	h2 := hashPattern("retry", "Bash:go test ./...")
	h3 := hashPattern("error", "Bash:go test ./...")
	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.Len(t, h1, 16)
}

func TestInitialStrength(t *testing.T) {
	// (0.3 + min(0.3, 0.05*occurrences)) * multiplier, capped at 1.
	assert.InDelta(t, 0.42, initialStrength("retry", 1), 1e-9)
	assert.InDelta(t, 0.35, initialStrength("error", 1), 1e-9)
	assert.InDelta(t, 0.455, initialStrength("success_sequence", 1), 1e-9)
	assert.InDelta(t, 0.28, initialStrength("search", 1), 1e-9)
	assert.InDelta(t, 0.78, initialStrength("success_sequence", 20), 1e-9)
}

func TestExtractRetry(t *testing.T) {
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	entries := []Entry{
		{TS: base, Tool: "Bash", InputSummary: "go test ./internal/store", Outcome: "failure"},
		{TS: base.Add(30 * time.Second), Tool: "Bash", InputSummary: "go test -run TestOpen ./internal/store", Outcome: "success"},
	}
	patterns := extractRetries(entries)
	require.Len(t, patterns, 1)
	assert.Equal(t, "retry", patterns[0].Kind)
	assert.Contains(t, patterns[0].Text, "When Bash fails, retry with:")

	// Outside the 120s window nothing fires.
	entries[1].TS = base.Add(200 * time.Second)
	assert.Empty(t, extractRetries(entries))
}

func TestExtractErrors(t *testing.T) {
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	entries := []Entry{
		{TS: base, Tool: "Bash", InputSummary: "rm /etc/conf", OutputSummary: "rm: permission denied", Outcome: "failure"},
		{TS: base.Add(time.Minute), Tool: "Bash", InputSummary: "mv /etc/conf", OutputSummary: "mv: Permission denied", Outcome: "failure"},
		{TS: base.Add(2 * time.Minute), Tool: "Read", InputSummary: "x", OutputSummary: "timeout waiting", Outcome: "failure"},
	}
	patterns := extractErrors(entries)
	require.Len(t, patterns, 1, "single timeout must not fire; two permission_denied must")
	assert.Equal(t, "error:permission_denied:Bash", patterns[0].Signature)
}

func TestExtractSearchRead(t *testing.T) {
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	entries := []Entry{
		{TS: base, Tool: "Grep", InputSummary: "ConfidenceUpdate", Outcome: "success"},
		{TS: base.Add(time.Second), Tool: "Read", InputSummary: "a.go", Outcome: "success"},
		{TS: base.Add(2 * time.Second), Tool: "Read", InputSummary: "b.go", Outcome: "success"},
		{TS: base.Add(3 * time.Second), Tool: "Edit", InputSummary: "a.go", Outcome: "success"},
	}
	patterns := extractSearchRead(entries)
	require.Len(t, patterns, 1)
	assert.Contains(t, patterns[0].Signature, "search:")
	assert.Contains(t, patterns[0].Signature, ":2")
}

func TestExtractSuccessSequence(t *testing.T) {
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	entries := []Entry{
		{TS: base, Tool: "Edit", InputSummary: "fix", Outcome: "success"},
		{TS: base.Add(time.Second), Tool: "Bash", InputSummary: "go test ./...", Outcome: "success"},
		{TS: base.Add(2 * time.Second), Tool: "Bash", InputSummary: "go vet ./...", Outcome: "success"},
		{TS: base.Add(3 * time.Second), Tool: "Bash", InputSummary: "git commit -m ok", Outcome: "success"},
	}
	patterns := extractSuccessSequences(entries)
	require.Len(t, patterns, 1)
	assert.Equal(t, "success_sequence", patterns[0].Kind)
	assert.Equal(t, "git", patterns[0].Domain)

	// A failure in the chain breaks it.
	entries[1].Outcome = "failure"
	assert.Empty(t, extractSuccessSequences(entries))
}

func TestExtractToolSequences(t *testing.T) {
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	var entries []Entry
	for i := 0; i < 6; i++ {
		entries = append(entries,
			Entry{TS: base.Add(time.Duration(2*i) * time.Second), Tool: "Grep", Outcome: "success"},
			Entry{TS: base.Add(time.Duration(2*i+1) * time.Second), Tool: "Read", Outcome: "success"},
		)
	}
	patterns := extractToolSequences(entries)
	var pairs []string
	for _, p := range patterns {
		pairs = append(pairs, p.Signature)
	}
	assert.Contains(t, pairs, "tool_seq:Grep->Read")
}

func TestObservePersistAndReinforce(t *testing.T) {
	o, s := newTestObserver(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	lines := []string{
		logLine(base, "Bash", "go build ./...", "", "failure"),
		logLine(base.Add(20*time.Second), "Bash", "go build ./... -v", "", "success"),
		"not json at all",
		`{"ts": "2025-06-01T10:05:00Z", "type": "other", "tool": "X"}`,
	}
	text := strings.Join(lines, "\n")

	summary, err := o.ObserveText(ctx, text, "sess-1", "", true)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Entries)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 1, summary.NewPatterns)
	assert.Equal(t, 0, summary.Reinforced)

	// The same pattern from a second session reinforces instead of
	// duplicating.
	summary, err = o.ObserveText(ctx, text, "sess-2", "", true)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.NewPatterns)
	assert.Equal(t, 1, summary.Reinforced)

	patterns, err := s.ListAllPatterns(ctx)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	p := patterns[0]
	assert.Equal(t, 2, p.OccurrenceCount)
	assert.ElementsMatch(t, []string{"sess-1", "sess-2"}, p.SessionIDs)
	assert.InDelta(t, initialStrength("retry", 1)+0.05, p.Strength, 1e-9)

	// Dry run leaves the store untouched.
	summary, err = o.ObserveText(ctx, text, "sess-3", "", false)
	require.NoError(t, err)
	assert.False(t, summary.Persisted)
	patterns, err = s.ListAllPatterns(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, patterns[0].OccurrenceCount)
}
