// Package host is the boundary to the session host. The daemon only
// ever reads task state and pushes instructions/notices; it never
// executes agent actions itself.
package host

import "strings"

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// TaskItem is a unit of work owned by the host, fetched read-only.
type TaskItem struct {
	ID       string `json:"id"`
	Content  string `json:"content"`
	Status   Status `json:"status"`
	Priority string `json:"priority,omitempty"`
}

// Incomplete reports whether the item still needs work.
func (t TaskItem) Incomplete() bool {
	switch t.Status {
	case StatusCompleted, StatusCancelled:
		return false
	default:
		return true
	}
}

// FilterIncomplete returns the items that are neither completed nor
// cancelled.
func FilterIncomplete(items []TaskItem) []TaskItem {
	var out []TaskItem
	for _, item := range items {
		if item.Incomplete() {
			out = append(out, item)
		}
	}
	return out
}

// SendOptions carries optional routing hints for an outbound
// instruction.
type SendOptions struct {
	Agent string `json:"agent,omitempty"`
	Model string `json:"model,omitempty"`
}

// Severity levels for countdown notices.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

func normalizeSeverity(severity string) string {
	switch strings.ToLower(strings.TrimSpace(severity)) {
	case SeverityWarning:
		return SeverityWarning
	case SeverityError:
		return SeverityError
	default:
		return SeverityInfo
	}
}
