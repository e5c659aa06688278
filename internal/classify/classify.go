// Package classify decides whether an error value represents an
// abort/interruption and whether free-form user text is asking to stop.
// It is pure and stateless; both engines consult it but it owns nothing.
package classify

import (
	"regexp"
	"strings"
)

// ErrorInfo is the shape of an error value delivered by the host. Any
// field may be empty; classification probes whatever is present.
type ErrorInfo struct {
	Name        string `json:"name,omitempty"`
	Message     string `json:"message,omitempty"`
	Description string `json:"description,omitempty"`
	Code        string `json:"code,omitempty"`
}

var interruptionNames = map[string]struct{}{
	"aborterror":        {},
	"cancellationerror": {},
	"exiterror":         {},
	"terminateerror":    {},
}

var interruptionWords = []string{
	"aborted",
	"cancelled",
	"canceled",
	"interrupted",
	"stopped",
	"terminated",
}

var interruptionCodeWords = []string{
	"cancel",
	"abort",
	"exit",
	"terminate",
}

// IsInterruption reports whether the error value looks like an
// abort/interruption rather than a genuine failure.
func IsInterruption(info ErrorInfo) bool {
	if _, ok := interruptionNames[strings.ToLower(strings.TrimSpace(info.Name))]; ok {
		return true
	}
	if IsInterruptionText(info.Message) || IsInterruptionText(info.Description) {
		return true
	}
	return isInterruptionCode(info.Code)
}

// IsInterruptionText applies the substring rule to a plain string.
func IsInterruptionText(s string) bool {
	if s == "" {
		return false
	}
	lower := strings.ToLower(s)
	for _, word := range interruptionWords {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}

func isInterruptionCode(code string) bool {
	code = strings.TrimSpace(code)
	if code == "" {
		return false
	}
	if strings.HasPrefix(strings.ToUpper(code), "SIG") {
		return true
	}
	lower := strings.ToLower(code)
	for _, word := range interruptionCodeWords {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}

// cancellationPatterns is the fixed phrase table for user text that
// expresses intent to stop. Matched against trimmed input.
var cancellationPatterns = []*regexp.Regexp{
	// Direct verbs aimed at the running work. The verb alone is not
	// enough; a bare "stop" in a longer exchange is too ambiguous.
	regexp.MustCompile(`(?i)^(please\s+)?(cancel|stop|abort|terminate)\s+((the|this|that|my)\s+)?(task|tasks|loop|run|job|work|countdown|continuation|it)\s*[.!]*$`),
	// Dismissals.
	regexp.MustCompile(`(?i)^never\s?mind\b`),
	regexp.MustCompile(`(?i)^that'?s\s+enough\b`),
	regexp.MustCompile(`(?i)^on\s+second\s+thought\b`),
	regexp.MustCompile(`(?i)^(please\s+)?don'?t\s+do\s+(this|that)\b`),
	regexp.MustCompile(`(?i)^skip\s+this\b`),
	regexp.MustCompile(`(?i)\bi\s+changed\s+my\s+mind\b`),
	regexp.MustCompile(`(?i)^wait[,.!]?\s+(cancel|stop)\b`),
}

// IsCancellationRequest reports whether text is an explicit request to
// stop the current automatic behavior.
func IsCancellationRequest(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	for _, p := range cancellationPatterns {
		if p.MatchString(trimmed) {
			return true
		}
	}
	return false
}
