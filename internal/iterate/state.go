package iterate

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// State is the single persisted iteration record. Its existence is the
// source of truth: a file on disk means a loop is in progress, deletion
// is the terminal transition.
type State struct {
	Active           bool
	Iteration        int
	MaxIterations    int
	CompletionMarker string
	StartedAt        time.Time
	Prompt           string
	SessionID        string
}

// Store reads and writes the record as a human-readable file: a
// key-value header between "---" lines followed by the original task
// prompt, verbatim.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string {
	return s.path
}

// Read returns nil when no loop is active. A file that exists but is
// missing the active or iteration fields is treated as corrupt and
// reported as no state, never as an error.
func (s *Store) Read() (*State, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read loop state: %w", err)
	}
	st, ok := decode(string(data))
	if !ok {
		return nil, nil
	}
	return st, nil
}

func (s *Store) Write(st *State) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(encode(st)), 0o644); err != nil {
		return fmt.Errorf("write loop state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace loop state: %w", err)
	}
	return nil
}

func (s *Store) Delete() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete loop state: %w", err)
	}
	return nil
}

func encode(st *State) string {
	var b strings.Builder
	b.WriteString("---\n")
	fmt.Fprintf(&b, "active: %t\n", st.Active)
	fmt.Fprintf(&b, "iteration: %d\n", st.Iteration)
	fmt.Fprintf(&b, "max_iterations: %d\n", st.MaxIterations)
	fmt.Fprintf(&b, "completion_marker: %q\n", st.CompletionMarker)
	fmt.Fprintf(&b, "started_at: %q\n", st.StartedAt.UTC().Format(time.RFC3339))
	if st.SessionID != "" {
		fmt.Fprintf(&b, "session_id: %q\n", st.SessionID)
	}
	b.WriteString("---\n")
	b.WriteString(st.Prompt)
	return b.String()
}

func decode(raw string) (*State, bool) {
	rest, ok := strings.CutPrefix(raw, "---\n")
	if !ok {
		return nil, false
	}
	header, body, ok := strings.Cut(rest, "\n---\n")
	if !ok {
		// Header terminator may sit at the very end with no body.
		header, ok = strings.CutSuffix(rest, "\n---")
		if !ok {
			return nil, false
		}
		body = ""
	}

	st := &State{Prompt: body}
	var sawActive, sawIteration bool
	for _, line := range strings.Split(header, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = unquote(strings.TrimSpace(value))
		switch key {
		case "active":
			st.Active = value == "true"
			sawActive = true
		case "iteration":
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, false
			}
			st.Iteration = n
			sawIteration = true
		case "max_iterations":
			st.MaxIterations, _ = strconv.Atoi(value)
		case "completion_marker":
			st.CompletionMarker = value
		case "started_at":
			st.StartedAt, _ = time.Parse(time.RFC3339, value)
		case "session_id":
			st.SessionID = value
		}
	}
	if !sawActive || !sawIteration {
		return nil, false
	}
	return st, true
}

func unquote(v string) string {
	if len(v) >= 2 && strings.HasPrefix(v, `"`) && strings.HasSuffix(v, `"`) {
		if unquoted, err := strconv.Unquote(v); err == nil {
			return unquoted
		}
		return strings.Trim(v, `"`)
	}
	return v
}
