// Package answer parses and validates the agent's terminal reply.
//
// The agent must present its final answer as FINISH([...]) with an ordered
// list of scalar values. Validation is pure and deterministic: the same raw
// reply always yields the same verdict.
package answer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Reason classifies an invalid reply.
type Reason string

const (
	// ReasonMalformedEnvelope means the FINISH([...]) marker is absent or
	// does not enclose a list.
	ReasonMalformedEnvelope Reason = "malformed_envelope"
	// ReasonNotParseable means the marker is present but its payload is not
	// a list of scalar values.
	ReasonNotParseable Reason = "not_parseable"
	// ReasonCardinalityMismatch means the list length does not match the
	// task's expected answer count.
	ReasonCardinalityMismatch Reason = "cardinality_mismatch"
)

// Verdict is the validation outcome for one raw reply.
type Verdict struct {
	Valid   bool
	Reason  Reason
	Detail  string
	Answers []string
}

// Surrounding text is tolerated; only the marker payload is authoritative.
// The last marker wins because agents tend to echo the required format while
// reasoning before emitting the real answer.
var envelopeRe = regexp.MustCompile(`(?s)FINISH\(\s*(\[.*?\])\s*\)`)

// Validate checks raw against the expected answer cardinality. allowEmpty
// additionally accepts an empty list, used by check-and-act tasks where the
// agent may have nothing to report.
func Validate(raw string, expected int, allowEmpty bool) Verdict {
	matches := envelopeRe.FindAllStringSubmatch(raw, -1)
	if len(matches) == 0 {
		return Verdict{
			Reason: ReasonMalformedEnvelope,
			Detail: "reply does not contain a FINISH([...]) marker",
		}
	}
	payload := matches[len(matches)-1][1]

	values, err := parseList(payload)
	if err != nil {
		return Verdict{
			Reason: ReasonNotParseable,
			Detail: fmt.Sprintf("cannot parse answer list %s: %v", payload, err),
		}
	}

	if len(values) != expected && !(allowEmpty && len(values) == 0) {
		return Verdict{
			Reason:  ReasonCardinalityMismatch,
			Detail:  fmt.Sprintf("got %d answers, want %d", len(values), expected),
			Answers: values,
		}
	}

	return Verdict{Valid: true, Answers: values}
}

func parseList(payload string) ([]string, error) {
	values, err := decodeJSONList(payload)
	if err == nil {
		return values, nil
	}
	// Agents occasionally emit Python-style lists with single quotes.
	relaxed := strings.ReplaceAll(payload, "'", `"`)
	if relaxed != payload {
		if values, relaxedErr := decodeJSONList(relaxed); relaxedErr == nil {
			return values, nil
		}
	}
	return nil, err
}

func decodeJSONList(payload string) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(payload)))
	dec.UseNumber()
	var raw []any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	values := make([]string, 0, len(raw))
	for i, v := range raw {
		switch vv := v.(type) {
		case string:
			values = append(values, vv)
		case json.Number:
			values = append(values, vv.String())
		case bool:
			values = append(values, fmt.Sprintf("%t", vv))
		case nil:
			values = append(values, "")
		default:
			return nil, fmt.Errorf("element %d is not a scalar", i)
		}
	}
	return values, nil
}
