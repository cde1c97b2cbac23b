package score

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

var numberRe = regexp.MustCompile(`-?\d+(?:\.\d+)?`)

// formatNumber renders a value the way answers are normalized: whole floats
// collapse to integers, everything else keeps its shortest representation.
func formatNumber(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// normalize canonicalizes one answer string. Purely numeric answers collapse
// to their canonical number form; everything else is lowercased and trimmed.
func normalize(s string) string {
	s = strings.TrimSpace(s)
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return formatNumber(v)
	}
	return strings.ToLower(s)
}

// extractNumber pulls the first numeric token out of an answer, tolerating
// units and prose around it ("1.2 mg/dL" yields 1.2).
func extractNumber(s string) (float64, bool) {
	m := numberRe.FindString(s)
	if m == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// compareAnswers checks got against expected element-wise and returns one
// issue per mismatching position. Order is significant unless unordered is
// set, in which case both sides are compared after sorting.
func compareAnswers(expected, got []string, tolerance float64, unordered bool) []Issue {
	var issues []Issue

	if len(expected) != len(got) {
		issues = append(issues, Issue{
			Field:    "answers.count",
			Expected: fmt.Sprintf("%d", len(expected)),
			Actual:   fmt.Sprintf("%d", len(got)),
		})
		return issues
	}

	exp := make([]string, len(expected))
	act := make([]string, len(got))
	for i := range expected {
		exp[i] = normalize(expected[i])
		act[i] = normalize(got[i])
	}
	if unordered {
		sort.Strings(exp)
		sort.Strings(act)
	}

	for i := range exp {
		if answersMatch(exp[i], act[i], tolerance) {
			continue
		}
		issues = append(issues, Issue{
			Field:    fmt.Sprintf("answers[%d]", i),
			Expected: exp[i],
			Actual:   act[i],
		})
	}
	return issues
}

func answersMatch(expected, actual string, tolerance float64) bool {
	if expected == actual {
		return true
	}
	if wantTime, ok := parseTimestamp(expected); ok {
		gotTime, ok := parseTimestamp(actual)
		return ok && wantTime.Equal(gotTime)
	}
	want, err := strconv.ParseFloat(expected, 64)
	if err != nil {
		return false
	}
	got, ok := extractNumber(actual)
	if !ok {
		return false
	}
	if tolerance > 0 {
		return math.Abs(want-got) <= tolerance
	}
	return want == got
}

var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

// parseTimestamp recognizes the datetime forms agents report observation
// times in. Normalized answers arrive lowercased, so the marker letters are
// restored before parsing.
func parseTimestamp(s string) (time.Time, bool) {
	s = strings.ToUpper(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// writeOps filters the trajectory down to write operations.
func writeOps(records []WriteRecord) []WriteRecord {
	var out []WriteRecord
	for _, rec := range records {
		if strings.EqualFold(rec.Method, "POST") || strings.EqualFold(rec.Method, "PUT") {
			out = append(out, rec)
		}
	}
	return out
}
