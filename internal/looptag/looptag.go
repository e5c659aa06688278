// Package looptag extracts an embedded iteration-loop request from
// free-form user text.
package looptag

import (
	"regexp"
	"strconv"
	"strings"
)

// Result is the outcome of parsing user text for a loop tag.
type Result struct {
	Found         bool
	Task          string
	MaxIterations int
	Marker        string
	CleanedPrompt string
}

var (
	pairedRe  = regexp.MustCompile(`(?is)<iterationloop\b([^>]*?)>(.*?)</iterationloop\s*>`)
	selfRe    = regexp.MustCompile(`(?is)<iterationloop\b([^>]*?)/\s*>`)
	attrRe    = regexp.MustCompile(`(?i)\b(task|max|marker)\s*=\s*(?:"([^"]*)"|([^\s"/>]+))`)
	newlineRe = regexp.MustCompile(`\n{3,}`)
)

// Parse recognizes either the paired form
// <iterationLoop max="N" marker="X">task</iterationLoop> or the
// self-closing form <iterationLoop task="..." max="N" marker="X" />.
// Tag names match case-insensitively. When no tag is present the input
// is returned untouched.
func Parse(text string) Result {
	if m := pairedRe.FindStringSubmatchIndex(text); m != nil {
		attrs := text[m[2]:m[3]]
		body := text[m[4]:m[5]]
		res := fromAttrs(attrs)
		res.Task = strings.TrimSpace(body)
		res.Found = true
		res.CleanedPrompt = clean(text[:m[0]] + text[m[1]:])
		return res
	}
	if m := selfRe.FindStringSubmatchIndex(text); m != nil {
		attrs := text[m[2]:m[3]]
		res := fromAttrs(attrs)
		res.Found = true
		res.CleanedPrompt = clean(text[:m[0]] + text[m[1]:])
		return res
	}
	return Result{CleanedPrompt: text}
}

func fromAttrs(attrs string) Result {
	var res Result
	for _, m := range attrRe.FindAllStringSubmatch(attrs, -1) {
		value := m[2]
		if value == "" {
			value = m[3]
		}
		switch strings.ToLower(m[1]) {
		case "task":
			res.Task = strings.TrimSpace(value)
		case "max":
			if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && n > 0 {
				res.MaxIterations = n
			}
		case "marker":
			res.Marker = value
		}
	}
	return res
}

// clean removes the hole left by the tag: runs of 3+ newlines collapse
// to exactly 2, then the whole text is trimmed.
func clean(text string) string {
	return strings.TrimSpace(newlineRe.ReplaceAllString(text, "\n\n"))
}
