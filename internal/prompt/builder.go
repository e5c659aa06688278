// Package prompt builds the instruction texts the daemon injects into
// a session. Text only; nothing here talks to the host.
package prompt

import (
	"fmt"
	"strings"

	"github.com/flitsinc/go-autopilot/internal/host"
)

// Continuation builds the "keep going" instruction from the current
// incomplete task items.
func Continuation(items []host.TaskItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You have %d incomplete task item(s) remaining:\n\n", len(items))
	for _, item := range items {
		status := string(item.Status)
		if status == "" {
			status = string(host.StatusPending)
		}
		fmt.Fprintf(&b, "- [%s] %s\n", status, item.Content)
	}
	b.WriteString("\nContinue working through the list. Pick up the next pending item and keep going until every item is completed.")
	return b.String()
}

// IterationStart builds the first instruction of an iteration loop.
func IterationStart(task string, maxIterations int, marker string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(task))
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "You are in an iteration loop with up to %d attempt(s). Work on the task above.\n", maxIterations)
	b.WriteString(MarkerReminder(marker))
	return b.String()
}

// IterationContinuation builds the instruction for the next attempt.
// feedback comes from the evaluator when one is configured; in marker
// mode it is empty and the marker reminder carries the message.
func IterationContinuation(iteration, maxIterations int, feedback, marker string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The task is not complete yet. This is iteration %d of %d.\n\n", iteration, maxIterations)
	if strings.TrimSpace(feedback) != "" {
		b.WriteString("Feedback from the last attempt:\n")
		b.WriteString(strings.TrimSpace(feedback))
		b.WriteString("\n\n")
	}
	b.WriteString("Continue working on the original task. ")
	b.WriteString(MarkerReminder(marker))
	return b.String()
}

// MarkerReminder tells the agent how to signal completion.
func MarkerReminder(marker string) string {
	if marker == "" {
		return "When the task is truly complete, say so explicitly."
	}
	return fmt.Sprintf("When the task is truly complete, output <completion>%s</completion> on its own line. Do not output it before the task is actually done.", marker)
}
