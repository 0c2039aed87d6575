package observe

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// retryWindow is the maximum gap between a failure and a same-tool retry.
const retryWindow = 120 * time.Second

// minErrorOccurrences is how often an error signature must recur before it
// becomes a pattern.
const minErrorOccurrences = 2

// minToolPairOccurrences is how often an adjacent tool pair must recur.
const minToolPairOccurrences = 5

// Extracted is one pattern found in a session before persistence.
type Extracted struct {
	Kind      string
	Text      string
	Signature string
	Domain    string
}

// errorCatalog maps raw output text to normalized error signatures.
var errorCatalog = []struct {
	re    *regexp.Regexp
	label string
}{
	{regexp.MustCompile(`(?i)permission denied|EACCES`), "permission_denied"},
	{regexp.MustCompile(`(?i)timed? ?out|deadline exceeded`), "timeout"},
	{regexp.MustCompile(`(?i)module not found|no module named|cannot find module`), "module_not_found"},
	{regexp.MustCompile(`(?i)no such file or directory|ENOENT`), "file_not_found"},
	{regexp.MustCompile(`(?i)connection refused|ECONNREFUSED`), "connection_refused"},
	{regexp.MustCompile(`(?i)syntax error`), "syntax_error"},
	{regexp.MustCompile(`(?i)command not found`), "command_not_found"},
	{regexp.MustCompile(`(?i)out of memory|OOM`), "out_of_memory"},
	{regexp.MustCompile(`(?i)merge conflict`), "merge_conflict"},
	{regexp.MustCompile(`(?i)test(s)? failed|FAIL`), "test_failure"},
}

var (
	absPathRe   = regexp.MustCompile(`/[\w/.\-]+`)
	lineNumRe   = regexp.MustCompile(`:\d+`)
	quotedStrRe = regexp.MustCompile(`"[^"]*"`)
)

// normalizeInput reduces an input summary to its structural shape: paths,
// line numbers, and string literals are collapsed, and the result capped
// at 100 characters. This normalized form is the basis of signatures.
func normalizeInput(input string) string {
	n := absPathRe.ReplaceAllString(input, "/PATH")
	n = lineNumRe.ReplaceAllString(n, ":N")
	n = quotedStrRe.ReplaceAllString(n, `"..."`)
	if len(n) > 100 {
		n = n[:100]
	}
	return n
}

// inferDomain guesses a domain slug from the tool and input keywords.
func inferDomain(tool, input string) string {
	lower := strings.ToLower(input)
	switch {
	case strings.Contains(lower, "git "), strings.HasPrefix(lower, "git"):
		return "git"
	case strings.Contains(lower, "test"):
		return "testing"
	case strings.Contains(lower, "docker"), strings.Contains(lower, "kubectl"):
		return "infra"
	case strings.Contains(lower, "npm"), strings.Contains(lower, "pip"), strings.Contains(lower, "go mod"):
		return "dependencies"
	}
	switch tool {
	case "Grep", "Glob", "Read":
		return "code-navigation"
	case "Bash":
		return "shell"
	case "Edit", "Write":
		return "editing"
	default:
		return "general"
	}
}

// errorSignature matches output against the error catalog.
func errorSignature(output string) string {
	for _, e := range errorCatalog {
		if e.re.MatchString(output) {
			return e.label
		}
	}
	return ""
}

// extractAll runs every extractor over a timestamp-ordered entry slice.
func extractAll(entries []Entry) []Extracted {
	var out []Extracted
	out = append(out, extractRetries(entries)...)
	out = append(out, extractErrors(entries)...)
	out = append(out, extractSearchRead(entries)...)
	out = append(out, extractSuccessSequences(entries)...)
	out = append(out, extractToolSequences(entries)...)
	return out
}

// extractRetries finds failure → same-tool retry pairs within the retry
// window whose normalized inputs share a prefix or first token.
func extractRetries(entries []Entry) []Extracted {
	var out []Extracted
	for i, e := range entries {
		if e.Outcome != "failure" {
			continue
		}
		failInput := normalizeInput(e.InputSummary)
		for j := i + 1; j < len(entries); j++ {
			retry := entries[j]
			if retry.TS.Sub(e.TS) > retryWindow {
				break
			}
			if retry.Tool != e.Tool {
				continue
			}
			retryInput := normalizeInput(retry.InputSummary)
			if !similarInput(e.Tool, failInput, retryInput) {
				continue
			}
			diff := retry.InputSummary
			if len(diff) > 100 {
				diff = diff[:100]
			}
			out = append(out, Extracted{
				Kind:      "retry",
				Text:      fmt.Sprintf("When %s fails, retry with: %s", e.Tool, diff),
				Signature: fmt.Sprintf("%s:%s", e.Tool, prefix(failInput, 50)),
				Domain:    inferDomain(e.Tool, e.InputSummary),
			})
			break // only the first retry counts
		}
	}
	return out
}

func similarInput(tool, a, b string) bool {
	if prefix(a, 30) == prefix(b, 30) {
		return true
	}
	if tool == "Bash" {
		af, bf := strings.Fields(a), strings.Fields(b)
		return len(af) > 0 && len(bf) > 0 && af[0] == bf[0]
	}
	return false
}

func prefix(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// extractErrors buckets failures by normalized signature and emits a
// pattern for each signature that recurs.
func extractErrors(entries []Entry) []Extracted {
	type bucket struct {
		tool  string
		count int
	}
	buckets := make(map[string]*bucket)
	var order []string
	for _, e := range entries {
		if e.Outcome != "failure" {
			continue
		}
		sig := errorSignature(e.OutputSummary)
		if sig == "" {
			continue
		}
		key := sig + ":" + e.Tool
		if b, ok := buckets[key]; ok {
			b.count++
		} else {
			buckets[key] = &bucket{tool: e.Tool, count: 1}
			order = append(order, key)
		}
	}

	var out []Extracted
	for _, key := range order {
		b := buckets[key]
		if b.count < minErrorOccurrences {
			continue
		}
		sig := strings.SplitN(key, ":", 2)[0]
		out = append(out, Extracted{
			Kind:      "error",
			Text:      fmt.Sprintf("Recurring %s errors from %s (%d in session)", sig, b.tool, b.count),
			Signature: fmt.Sprintf("error:%s:%s", sig, b.tool),
			Domain:    inferDomain(b.tool, sig),
		})
	}
	return out
}

// extractSearchRead finds a Grep/Glob followed by two or more consecutive
// Reads before any new search.
func extractSearchRead(entries []Entry) []Extracted {
	var out []Extracted
	for i, e := range entries {
		if e.Tool != "Grep" && e.Tool != "Glob" {
			continue
		}
		reads := 0
		for j := i + 1; j < len(entries); j++ {
			switch entries[j].Tool {
			case "Read":
				reads++
				continue
			case "Grep", "Glob":
			}
			break
		}
		if reads < 2 {
			continue
		}
		norm := normalizeInput(e.InputSummary)
		out = append(out, Extracted{
			Kind:      "search",
			Text:      fmt.Sprintf("%s for %s then read %d files", e.Tool, norm, reads),
			Signature: fmt.Sprintf("search:%s:%d", norm, reads),
			Domain:    "code-navigation",
		})
	}
	return out
}

// extractSuccessSequences finds a successful git commit preceded by a
// chain of at least three successful tool calls, recording the last five.
func extractSuccessSequences(entries []Entry) []Extracted {
	var out []Extracted
	for i, e := range entries {
		if e.Outcome != "success" || e.Tool != "Bash" ||
			!strings.Contains(e.InputSummary, "git commit") {
			continue
		}
		var preceding []string
		for j := i - 1; j >= 0; j-- {
			if entries[j].Outcome != "success" {
				break
			}
			preceding = append([]string{entries[j].Tool}, preceding...)
		}
		if len(preceding) < 3 {
			continue
		}
		if len(preceding) > 5 {
			preceding = preceding[len(preceding)-5:]
		}
		out = append(out, Extracted{
			Kind:      "success_sequence",
			Text:      fmt.Sprintf("Successful commit after: %s", strings.Join(preceding, " -> ")),
			Signature: "success_seq:" + strings.Join(preceding, ":"),
			Domain:    "git",
		})
	}
	return out
}

// extractToolSequences counts adjacent tool pairs and emits patterns for
// the frequent ones.
func extractToolSequences(entries []Entry) []Extracted {
	counts := make(map[string]int)
	var order []string
	for i := 0; i+1 < len(entries); i++ {
		pair := entries[i].Tool + "->" + entries[i+1].Tool
		if counts[pair] == 0 {
			order = append(order, pair)
		}
		counts[pair]++
	}

	var out []Extracted
	for _, pair := range order {
		n := counts[pair]
		if n < minToolPairOccurrences {
			continue
		}
		out = append(out, Extracted{
			Kind:      "tool_sequence",
			Text:      fmt.Sprintf("Frequent tool transition %s (%d times)", pair, n),
			Signature: "tool_seq:" + pair,
			Domain:    "general",
		})
	}
	return out
}
