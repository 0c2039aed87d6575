// Package observe parses session logs and distills raw tool activity into
// proto-heuristic patterns: retries after failures, recurring error
// signatures, search-then-read runs, success chains, and frequent tool
// pairs.
package observe

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"elfcore/internal/logging"
	"elfcore/internal/qerr"
	"elfcore/internal/store"
)

// Entry is one session-log record of interest. Unknown fields in the log
// are ignored; malformed lines are skipped with a warning.
type Entry struct {
	TS            time.Time
	Tool          string
	InputSummary  string
	OutputSummary string
	Outcome       string // success, failure, unknown
}

type rawEntry struct {
	TS            string `json:"ts"`
	Type          string `json:"type"`
	Tool          string `json:"tool"`
	InputSummary  string `json:"input_summary"`
	OutputSummary string `json:"output_summary"`
	Outcome       string `json:"outcome"`
}

// Observer extracts patterns from session logs and upserts them with
// dedup and strength reinforcement.
type Observer struct {
	store *store.Store
}

// New creates an observer over the store.
func New(s *store.Store) *Observer {
	return &Observer{store: s}
}

// Summary reports one observation run.
type Summary struct {
	SessionID   string         `json:"session_id"`
	Entries     int            `json:"entries"`
	Skipped     int            `json:"skipped_lines"`
	Failures    int            `json:"failures"`
	ByKind      map[string]int `json:"by_kind"`
	NewPatterns int            `json:"new_patterns"`
	Reinforced  int            `json:"reinforced"`
	Persisted   bool           `json:"persisted"`
}

// ObserveFile parses a line-delimited session log and extracts patterns.
// Entries are processed in timestamp order.
func (o *Observer) ObserveFile(ctx context.Context, logPath, sessionID, projectPath string, persist bool) (*Summary, error) {
	f, err := os.Open(logPath)
	if err != nil {
		return nil, qerr.Wrap(qerr.CodeConfiguration, err, "failed to open session log %s", logPath)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, qerr.Wrap(qerr.CodeConfiguration, err, "failed to read session log %s", logPath)
	}
	return o.observeLines(ctx, lines, sessionID, projectPath, persist)
}

// ObserveText parses inline log text instead of a file.
func (o *Observer) ObserveText(ctx context.Context, text, sessionID, projectPath string, persist bool) (*Summary, error) {
	return o.observeLines(ctx, strings.Split(text, "\n"), sessionID, projectPath, persist)
}

func (o *Observer) observeLines(ctx context.Context, lines []string, sessionID, projectPath string, persist bool) (*Summary, error) {
	timer := logging.StartTimer(logging.CategoryObserver, "Observe")
	defer timer.Stop()

	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	summary := &Summary{SessionID: sessionID, ByKind: make(map[string]int), Persisted: persist}

	var entries []Entry
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var raw rawEntry
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			summary.Skipped++
			logging.Get(logging.CategoryObserver).Warn("Skipping malformed log line: %v", err)
			continue
		}
		if raw.Type != "tool_use" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw.TS)
		if err != nil {
			summary.Skipped++
			logging.Get(logging.CategoryObserver).Warn("Skipping line with bad timestamp %q", raw.TS)
			continue
		}
		entries = append(entries, Entry{
			TS:            ts.UTC(),
			Tool:          raw.Tool,
			InputSummary:  raw.InputSummary,
			OutputSummary: raw.OutputSummary,
			Outcome:       raw.Outcome,
		})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].TS.Before(entries[j].TS) })

	summary.Entries = len(entries)
	for _, e := range entries {
		if e.Outcome == "failure" {
			summary.Failures++
		}
	}

	extracted := extractAll(entries)
	for _, p := range extracted {
		summary.ByKind[p.Kind]++
	}
	logging.Observer("Session %s: %d entries, %d patterns extracted", sessionID, len(entries), len(extracted))

	if persist {
		created, reinforced, err := o.persist(ctx, extracted, sessionID, projectPath)
		if err != nil {
			return nil, err
		}
		summary.NewPatterns = created
		summary.Reinforced = reinforced
		if err := o.recordSessionSummary(ctx, summary); err != nil {
			logging.Get(logging.CategoryObserver).Warn("Session summary insert failed: %v", err)
		}
	}
	return summary, nil
}

func (o *Observer) recordSessionSummary(ctx context.Context, s *Summary) error {
	parts := make([]string, 0, len(s.ByKind))
	kinds := make([]string, 0, len(s.ByKind))
	for k := range s.ByKind {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		parts = append(parts, k+":"+strconv.Itoa(s.ByKind[k]))
	}
	total := 0
	for _, n := range s.ByKind {
		total += n
	}
	_, err := o.store.DB().ExecContext(ctx, `
		INSERT INTO session_summaries (session_id, summary, tool_calls, failures, patterns_seen)
		VALUES (?, ?, ?, ?, ?)`,
		s.SessionID, strings.Join(parts, ", "), s.Entries, s.Failures, total)
	return err
}
