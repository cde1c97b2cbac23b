package score

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/metalagman/medbench/internal/task"
)

func (r *Registry) evalWrite(ctx context.Context, in Input) (Outcome, error) {
	out := Outcome{}

	if in.Task.GroundTruth.Mode == task.GroundTruthStatic && len(in.Task.GroundTruth.Solution) > 0 {
		out.Expected = in.Task.GroundTruth.Solution
		out.Issues = compareAnswers(out.Expected, in.Answers, in.Task.Tolerance, in.Task.Unordered)
	}

	out.Issues = append(out.Issues, checkWrites(in.Task.Writes, in.Writes)...)
	return out, nil
}

func (r *Registry) evalConditionalWrite(ctx context.Context, in Input) (Outcome, error) {
	cond := in.Task.WriteCondition
	if cond == nil {
		return Outcome{}, fmt.Errorf("task %s: conditional_write without write_condition", in.Task.ID)
	}
	if cond.Kind == task.ConditionStaleness {
		return r.evalStalenessWrite(ctx, in, cond)
	}
	return r.evalThresholdWrite(ctx, in, cond)
}

// evalThresholdWrite requires the writes when the fetched value crosses the
// condition's threshold.
func (r *Registry) evalThresholdWrite(ctx context.Context, in Input, cond *task.WriteCondition) (Outcome, error) {
	var (
		value float64
		found bool
		err   error
	)
	if cond.WindowHours > 0 {
		obs, ok, e := r.fc.LatestWithin(ctx, in.Task.MRN(), cond.Code, time.Duration(cond.WindowHours)*time.Hour)
		value, found, err = obs.Value, ok, e
	} else {
		obs, ok, e := r.fc.Latest(ctx, in.Task.MRN(), cond.Code)
		value, found, err = obs.Value, ok, e
	}
	if err != nil {
		return unavailable(in.Task), nil
	}

	required := found && thresholdMet(value, cond)
	out := Outcome{}
	if found {
		out.Expected = []string{formatNumber(value)}
		out.Detail = fmt.Sprintf("latest %s %s threshold %s, write %s",
			cond.Code, formatNumber(value), formatNumber(cond.Threshold), requiredWord(required))
	} else {
		out.Detail = fmt.Sprintf("no %s observation on record, write not required", cond.Code)
	}

	// The reported value is checked only when the agent reported one; an
	// empty answer list is legitimate for these tasks.
	if found && len(in.Answers) > 0 {
		out.Issues = compareAnswers(out.Expected, in.Answers, in.Task.Tolerance, in.Task.Unordered)
	}

	out.Issues = append(out.Issues, checkWrites(requiredWrites(in.Task, required), in.Writes)...)
	return out, nil
}

// thresholdMet reports whether value triggers the condition. The comparison
// is inclusive unless the condition asks for strictly-below.
func thresholdMet(value float64, cond *task.WriteCondition) bool {
	if cond.Op == task.CompareLT {
		return value < cond.Threshold
	}
	return value <= cond.Threshold
}

// evalStalenessWrite requires the writes when the latest observation for the
// condition's code is absent or older than the staleness horizon. The answer
// is the pair [value, effective timestamp] of the latest observation.
func (r *Registry) evalStalenessWrite(ctx context.Context, in Input, cond *task.WriteCondition) (Outcome, error) {
	obs, found, err := r.fc.Latest(ctx, in.Task.MRN(), cond.Code)
	if err != nil {
		return unavailable(in.Task), nil
	}

	horizon := 24 * time.Hour
	if cond.WindowHours > 0 {
		horizon = time.Duration(cond.WindowHours) * time.Hour
	}

	required := !found || obs.Effective.Before(r.fc.Now().Add(-horizon))
	out := Outcome{}
	if found {
		out.Expected = []string{formatNumber(obs.Value), obs.Effective.Format(time.RFC3339)}
		out.Detail = fmt.Sprintf("latest %s %s taken %s, write %s",
			cond.Code, formatNumber(obs.Value), obs.Effective.Format(time.RFC3339), requiredWord(required))
	} else {
		out.Detail = fmt.Sprintf("no %s observation on record, write required", cond.Code)
	}

	if found && len(in.Answers) > 0 {
		out.Issues = compareAnswers(out.Expected, in.Answers, in.Task.Tolerance, in.Task.Unordered)
	}

	out.Issues = append(out.Issues, checkWrites(requiredWrites(in.Task, required), in.Writes)...)
	return out, nil
}

func requiredWrites(t task.Task, required bool) []task.ExpectedWrite {
	if !required {
		return nil
	}
	return t.Writes
}

func requiredWord(required bool) string {
	if required {
		return "required"
	}
	return "not required"
}

// checkWrites verifies the agent's write operations against the expected
// set: one created resource per expectation, with the declared field values,
// and nothing beyond that.
func checkWrites(expected []task.ExpectedWrite, records []WriteRecord) []Issue {
	posts := writeOps(records)
	var issues []Issue

	expByRes := make(map[string][]task.ExpectedWrite)
	for _, w := range expected {
		expByRes[w.Resource] = append(expByRes[w.Resource], w)
	}
	actByRes := make(map[string][]WriteRecord)
	for _, rec := range posts {
		actByRes[resourceOf(rec.URL)] = append(actByRes[resourceOf(rec.URL)], rec)
	}

	resources := make([]string, 0, len(expByRes)+len(actByRes))
	for res := range expByRes {
		resources = append(resources, res)
	}
	for res := range actByRes {
		if _, ok := expByRes[res]; !ok {
			resources = append(resources, res)
		}
	}
	sort.Strings(resources)

	for _, res := range resources {
		exps := expByRes[res]
		acts := actByRes[res]
		if len(acts) != len(exps) {
			issues = append(issues, Issue{
				Field:    fmt.Sprintf("writes.%s.count", res),
				Expected: strconv.Itoa(len(exps)),
				Actual:   strconv.Itoa(len(acts)),
			})
		}

		used := make([]bool, len(acts))
		for i, exp := range exps {
			if idx := findFullMatch(exp, acts, used); idx >= 0 {
				used[idx] = true
				continue
			}
			cand := firstUnused(acts, used)
			if cand < 0 {
				issues = append(issues, Issue{
					Field:    fmt.Sprintf("writes.%s[%d]", res, i),
					Expected: "created resource",
					Actual:   "absent",
				})
				continue
			}
			used[cand] = true
			issues = append(issues, fieldIssues(res, i, exp, acts[cand])...)
		}
	}
	return issues
}

func findFullMatch(exp task.ExpectedWrite, acts []WriteRecord, used []bool) int {
	for i, act := range acts {
		if used[i] {
			continue
		}
		if len(fieldMismatches(exp, act)) == 0 {
			return i
		}
	}
	return -1
}

func firstUnused(acts []WriteRecord, used []bool) int {
	for i := range acts {
		if !used[i] {
			return i
		}
	}
	return -1
}

func fieldIssues(res string, i int, exp task.ExpectedWrite, act WriteRecord) []Issue {
	var issues []Issue
	for _, m := range fieldMismatches(exp, act) {
		issues = append(issues, Issue{
			Field:    fmt.Sprintf("writes.%s[%d].%s", res, i, m.path),
			Expected: m.expected,
			Actual:   m.actual,
		})
	}
	return issues
}

type mismatch struct {
	path     string
	expected string
	actual   string
}

func fieldMismatches(exp task.ExpectedWrite, act WriteRecord) []mismatch {
	paths := make([]string, 0, len(exp.Fields))
	for path := range exp.Fields {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var out []mismatch
	for _, path := range paths {
		want := exp.Fields[path]
		got, ok := payloadField(act.Body, path)
		if !ok {
			out = append(out, mismatch{path: path, expected: want, actual: "absent"})
			continue
		}
		if !answersMatch(normalize(want), normalize(got), 0) {
			out = append(out, mismatch{path: path, expected: want, actual: got})
		}
	}
	return out
}

// payloadField resolves a dotted path inside a request body. Numeric path
// segments index into arrays, e.g. "dosageInstruction.0.route.text".
func payloadField(body map[string]any, path string) (string, bool) {
	var cur any = body
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return "", false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return "", false
			}
			cur = node[idx]
		default:
			return "", false
		}
	}
	switch v := cur.(type) {
	case string:
		return v, true
	case float64:
		return formatNumber(v), true
	case bool:
		return strconv.FormatBool(v), true
	case nil:
		return "", true
	default:
		return fmt.Sprintf("%v", v), true
	}
}

// resourceOf extracts the resource type from a write URL,
// e.g. ".../fhir/Observation" yields "Observation".
func resourceOf(rawURL string) string {
	u := rawURL
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	u = strings.TrimRight(u, "/")
	if i := strings.LastIndex(u, "/"); i >= 0 {
		return u[i+1:]
	}
	return u
}
