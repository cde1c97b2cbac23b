package harness

import (
	"fmt"
	"strings"

	"github.com/metalagman/medbench/internal/task"
)

// buildPrompt renders the outbound instruction message for one task. The
// format is stable so agent transcripts stay comparable across runs.
func buildPrompt(t task.Task, toolsText string) string {
	var b strings.Builder

	b.WriteString("You are a clinical assistant working against an electronic health record system.\n\n")
	fmt.Fprintf(&b, "Task: %s\n", t.Question)
	if t.PatientRef != "" {
		fmt.Fprintf(&b, "Patient: %s (MRN %s)\n", t.PatientRef, t.MRN())
	}
	if t.Instructions != "" {
		fmt.Fprintf(&b, "Additional instructions: %s\n", t.Instructions)
	}
	if t.ReadOnly {
		b.WriteString("This task is read-only: do not create or modify any record.\n")
	}

	if toolsText != "" {
		b.WriteString("\n")
		b.WriteString(toolsText)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	switch {
	case t.AllowEmptyAnswer:
		fmt.Fprintf(&b, "When you are done, reply with FINISH([...]) containing up to %d value(s). ", t.ExpectedAnswers)
		b.WriteString("If there is nothing to report, reply with FINISH([]).")
	case t.ExpectedAnswers == 1:
		b.WriteString("When you have the final answer, reply with FINISH([value]) containing exactly one value.")
	default:
		fmt.Fprintf(&b, "When you have the final answer, reply with FINISH([...]) containing exactly %d values.", t.ExpectedAnswers)
	}
	b.WriteString("\n")

	return b.String()
}
