// Package evaluate defines the pluggable completion judge used by the
// iteration engine's evaluator mode.
package evaluate

import "context"

// Input describes one iteration for the judge.
type Input struct {
	SessionID     string `json:"session_id"`
	Iteration     int    `json:"iteration"`
	MaxIterations int    `json:"max_iterations"`
	Prompt        string `json:"prompt"`
	Transcript    string `json:"transcript"`
}

// Verdict is the judge's answer.
type Verdict struct {
	IsComplete   bool     `json:"is_complete"`
	Feedback     string   `json:"feedback,omitempty"`
	MissingItems []string `json:"missing_items,omitempty"`
	Confidence   float64  `json:"confidence,omitempty"`
}

// Evaluator judges whether a task is complete. Implementations must be
// safe for concurrent use.
type Evaluator interface {
	Evaluate(ctx context.Context, in Input) (Verdict, error)
}

// Func adapts a function to the Evaluator interface.
type Func func(ctx context.Context, in Input) (Verdict, error)

func (f Func) Evaluate(ctx context.Context, in Input) (Verdict, error) {
	return f(ctx, in)
}
