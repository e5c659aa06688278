package evaluate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/liushuangls/go-anthropic/v2"
)

const judgeSystemPrompt = `You judge whether an autonomous agent has completed a task.
You receive the original task and the session transcript.
Respond with a single JSON object and nothing else:
{"is_complete": bool, "feedback": "what is still missing or wrong, empty if complete", "missing_items": ["..."], "confidence": 0.0-1.0}`

// AnthropicJudge evaluates completion by asking a Claude model.
type AnthropicJudge struct {
	client *anthropic.Client
	model  string

	// MaxTranscript bounds how much transcript is sent to the judge;
	// the tail is kept since completion evidence arrives last.
	MaxTranscript int
}

func NewAnthropicJudge(apiKey, model string) *AnthropicJudge {
	return &AnthropicJudge{
		client:        anthropic.NewClient(apiKey),
		model:         model,
		MaxTranscript: 48000,
	}
}

func (j *AnthropicJudge) Evaluate(ctx context.Context, in Input) (Verdict, error) {
	transcript := in.Transcript
	if j.MaxTranscript > 0 && len(transcript) > j.MaxTranscript {
		transcript = transcript[len(transcript)-j.MaxTranscript:]
	}

	user := fmt.Sprintf("Task (iteration %d of %d):\n%s\n\nTranscript:\n%s",
		in.Iteration, in.MaxIterations, in.Prompt, transcript)

	resp, err := j.client.CreateMessages(ctx, anthropic.MessagesRequest{
		Model:     anthropic.Model(j.model),
		MaxTokens: 1024,
		MultiSystem: []anthropic.MessageSystemPart{
			{Type: "text", Text: judgeSystemPrompt},
		},
		Messages: []anthropic.Message{
			{
				Role:    anthropic.RoleUser,
				Content: []anthropic.MessageContent{anthropic.NewTextMessageContent(user)},
			},
		},
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("evaluate completion: %w", err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == anthropic.MessagesContentTypeText && block.Text != nil {
			text += *block.Text
		}
	}
	verdict, err := parseVerdict(text)
	if err != nil {
		return Verdict{}, fmt.Errorf("evaluate completion: %w", err)
	}
	return verdict, nil
}

// parseVerdict extracts the JSON object from the model output,
// tolerating code fences and surrounding prose.
func parseVerdict(text string) (Verdict, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return Verdict{}, fmt.Errorf("no JSON object in judge output")
	}
	var verdict Verdict
	if err := json.Unmarshal([]byte(text[start:end+1]), &verdict); err != nil {
		return Verdict{}, fmt.Errorf("parse judge output: %w", err)
	}
	return verdict, nil
}
