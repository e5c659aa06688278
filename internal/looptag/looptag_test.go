package looptag

import "testing"

func TestParsePairedForm(t *testing.T) {
	text := "Before text.\n<iterationLoop max=\"5\" marker=\"SHIP_IT\">Fix the flaky test</iterationLoop>\nAfter text."
	res := Parse(text)
	if !res.Found {
		t.Fatalf("expected tag to be found")
	}
	if res.Task != "Fix the flaky test" {
		t.Fatalf("task = %q", res.Task)
	}
	if res.MaxIterations != 5 {
		t.Fatalf("max = %d, want 5", res.MaxIterations)
	}
	if res.Marker != "SHIP_IT" {
		t.Fatalf("marker = %q", res.Marker)
	}
	if res.CleanedPrompt != "Before text.\n\nAfter text." {
		t.Fatalf("cleaned = %q", res.CleanedPrompt)
	}
}

func TestParseSelfClosingForm(t *testing.T) {
	res := Parse(`<iterationLoop task="Ship the release" max="3" marker="OK" />`)
	if !res.Found {
		t.Fatalf("expected tag to be found")
	}
	if res.Task != "Ship the release" {
		t.Fatalf("task = %q", res.Task)
	}
	if res.MaxIterations != 3 || res.Marker != "OK" {
		t.Fatalf("max=%d marker=%q", res.MaxIterations, res.Marker)
	}
	if res.CleanedPrompt != "" {
		t.Fatalf("cleaned = %q, want empty", res.CleanedPrompt)
	}
}

func TestParseCaseInsensitiveTagName(t *testing.T) {
	res := Parse("<ITERATIONLOOP>do the thing</ITERATIONLOOP>")
	if !res.Found || res.Task != "do the thing" {
		t.Fatalf("got %+v", res)
	}
}

func TestParseUnquotedAttributes(t *testing.T) {
	res := Parse(`<iterationLoop max=7 marker=DONE>retry until green</iterationLoop>`)
	if !res.Found {
		t.Fatalf("expected tag to be found")
	}
	if res.MaxIterations != 7 || res.Marker != "DONE" {
		t.Fatalf("max=%d marker=%q", res.MaxIterations, res.Marker)
	}
}

func TestParseInvalidMaxIgnored(t *testing.T) {
	for _, raw := range []string{"0", "-2", "lots"} {
		res := Parse(`<iterationLoop max="` + raw + `">t</iterationLoop>`)
		if !res.Found {
			t.Fatalf("max=%q: expected tag to be found", raw)
		}
		if res.MaxIterations != 0 {
			t.Fatalf("max=%q: MaxIterations = %d, want 0", raw, res.MaxIterations)
		}
	}
}

func TestParseNoTag(t *testing.T) {
	text := "Just a normal\n\n\n\nmessage with gaps."
	res := Parse(text)
	if res.Found {
		t.Fatalf("unexpected tag found")
	}
	// Input without a tag passes through untouched, gaps included.
	if res.CleanedPrompt != text {
		t.Fatalf("cleaned = %q, want input unchanged", res.CleanedPrompt)
	}
}

func TestParseCollapsesNewlineRuns(t *testing.T) {
	text := "One.\n\n\n<iterationLoop task=\"x\" />\n\n\nTwo."
	res := Parse(text)
	if !res.Found {
		t.Fatalf("expected tag to be found")
	}
	if res.CleanedPrompt != "One.\n\nTwo." {
		t.Fatalf("cleaned = %q", res.CleanedPrompt)
	}
}

func TestParseMultilineBody(t *testing.T) {
	res := Parse("<iterationLoop>line one\nline two</iterationLoop>")
	if !res.Found || res.Task != "line one\nline two" {
		t.Fatalf("got %+v", res)
	}
}
