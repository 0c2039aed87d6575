package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"elfcore/internal/query"
	"elfcore/internal/store"
	"elfcore/internal/types"
)

// emit renders a value in the selected output format. The text formatter
// is value-specific; json and csv are generic.
func emit[T any](value T, text func(T) string) error {
	switch flagFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(value)
	case "csv":
		return emitCSV(value)
	default:
		fmt.Println(text(value))
		return nil
	}
}

// emitCSV flattens the value through JSON into rows.
func emitCSV(value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	w := csv.NewWriter(os.Stdout)
	defer w.Flush()

	var rows []map[string]any
	if err := json.Unmarshal(data, &rows); err != nil {
		// Not a list; emit key,value pairs.
		var obj map[string]any
		if err := json.Unmarshal(data, &obj); err != nil {
			return fmt.Errorf("csv output unsupported for this result")
		}
		w.Write([]string{"key", "value"})
		for k, v := range obj {
			w.Write([]string{k, fmt.Sprint(v)})
		}
		return nil
	}
	if len(rows) == 0 {
		return nil
	}
	var header []string
	for k := range rows[0] {
		header = append(header, k)
	}
	w.Write(header)
	for _, row := range rows {
		rec := make([]string, len(header))
		for i, k := range header {
			rec[i] = fmt.Sprint(row[k])
		}
		w.Write(rec)
	}
	return nil
}

func formatStats(s *query.Statistics) string {
	var sb strings.Builder
	sb.WriteString("Knowledge base statistics\n")
	fmt.Fprintf(&sb, "  Learnings:  %d\n", s.TotalLearnings)
	fmt.Fprintf(&sb, "  Heuristics: %d (golden %d, dormant %d)\n", s.TotalHeuristics, s.GoldenRules, s.DormantHeuristics)
	fmt.Fprintf(&sb, "  Patterns:   %d\n", s.TotalPatterns)
	fmt.Fprintf(&sb, "  Decisions:  %d\n", s.TotalDecisions)
	fmt.Fprintf(&sb, "  Invariants: %d\n", s.TotalInvariants)
	fmt.Fprintf(&sb, "  Violations (7d): %d\n", s.Violations7d)
	fmt.Fprintf(&sb, "  Open alerts: %d\n", s.OpenAlerts)
	if len(s.TopDomains) > 0 {
		fmt.Fprintf(&sb, "  Top domains: %s\n", strings.Join(s.TopDomains, ", "))
	}
	return sb.String()
}

func formatValidation(r *store.ValidationResult) string {
	var sb strings.Builder
	if r.Valid {
		sb.WriteString("Database valid\n")
	} else {
		sb.WriteString("Database INVALID\n")
	}
	for name, status := range r.Checks {
		fmt.Fprintf(&sb, "  %-24s %s\n", name, status)
	}
	for _, e := range r.Errors {
		fmt.Fprintf(&sb, "  error: %s\n", e)
	}
	for _, w := range r.Warnings {
		fmt.Fprintf(&sb, "  warning: %s\n", w)
	}
	return sb.String()
}

func formatExperiments(xs []types.Experiment) string {
	if len(xs) == 0 {
		return "No active experiments."
	}
	var sb strings.Builder
	for _, e := range xs {
		fmt.Fprintf(&sb, "[%d] %s (%s)\n    %s\n", e.ID, e.Name, e.Domain, e.Hypothesis)
	}
	return sb.String()
}

func formatReviews(xs []types.CEOReview) string {
	if len(xs) == 0 {
		return "No pending CEO reviews."
	}
	var sb strings.Builder
	for _, r := range xs {
		fmt.Fprintf(&sb, "[%d] %s (%s)\n", r.ID, r.Subject, r.Domain)
	}
	return sb.String()
}

func formatDomainResult(r *query.DomainResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Domain: %s (%d heuristics, %d learnings)\n\n", r.Domain, r.HeuristicCount, r.LearningCount)
	for _, h := range r.Heuristics {
		fmt.Fprintf(&sb, "  [%.2f] H-%d %s\n", h.Confidence, h.ID, h.Rule)
	}
	if len(r.Learnings) > 0 {
		sb.WriteString("\nLearnings:\n")
		for _, l := range r.Learnings {
			fmt.Fprintf(&sb, "  [%s] %s\n", l.Type, l.Title)
		}
	}
	return sb.String()
}

func formatLearnings(xs []*types.Learning) string {
	if len(xs) == 0 {
		return "No learnings found."
	}
	var sb strings.Builder
	for _, l := range xs {
		fmt.Fprintf(&sb, "[%s] %s (%s, severity %s)\n", l.Type, l.Title, l.Domain, strconv.Itoa(l.Severity))
		if l.Summary != "" {
			fmt.Fprintf(&sb, "    %s\n", l.Summary)
		}
	}
	return sb.String()
}

func formatAlerts(xs []types.MetaAlert) string {
	if len(xs) == 0 {
		return "No alerts."
	}
	var sb strings.Builder
	for _, a := range xs {
		fmt.Fprintf(&sb, "[%d] %s %s on %s (%s): %s\n", a.ID, a.State, a.AlertType, a.MetricName, a.Severity, a.Message)
	}
	return sb.String()
}
