package synth

import (
	"strings"
	"testing"
)

func TestAnalyzeCleanText(t *testing.T) {
	a := NewAnalyzer()
	res := a.Analyze("Hello, thanks for calling Lakeside Realty. How can I help you today?", 0)
	if res.Score != 1.0 {
		t.Errorf("Score = %v, want 1.0", res.Score)
	}
	if !res.Passed {
		t.Error("clean text should pass")
	}
	if len(res.Issues) != 0 {
		t.Errorf("Issues = %+v, want none", res.Issues)
	}
	if res.Alternative != "" {
		t.Error("passing text should not carry an alternative")
	}
}

func TestAnalyzeDigitRun(t *testing.T) {
	a := NewAnalyzer()
	res := a.Analyze("Call us at 5550142983.", 0)
	if len(res.Issues) != 1 || res.Issues[0].Kind != "digit_run" {
		t.Fatalf("Issues = %+v, want one digit_run", res.Issues)
	}
	if res.Score >= 1.0 {
		t.Errorf("Score = %v, should be penalised", res.Score)
	}
	if len(res.Recommendations) != 1 {
		t.Errorf("Recommendations = %v, want one", res.Recommendations)
	}
}

func TestAnalyzeCapsRun(t *testing.T) {
	a := NewAnalyzer()
	res := a.Analyze("Our HVAC system is NASDAQ listed.", 0)
	caps := 0
	for _, is := range res.Issues {
		if is.Kind == "caps_run" {
			caps++
		}
	}
	if caps != 2 {
		t.Fatalf("got %d caps_run issues, want 2 (HVAC, NASDAQ): %+v", caps, res.Issues)
	}
	// Duplicate kinds collapse to one recommendation.
	if len(res.Recommendations) != 1 {
		t.Errorf("Recommendations = %v, want one", res.Recommendations)
	}
}

func TestAnalyzeLongSentence(t *testing.T) {
	a := NewAnalyzer()
	text := strings.Repeat("the property has a lovely garden and ", 10) // > 250 chars, no period
	res := a.Analyze(text, 0)
	found := false
	for _, is := range res.Issues {
		if is.Kind == "long_sentence" {
			found = true
		}
	}
	if !found {
		t.Fatalf("want long_sentence issue, got %+v", res.Issues)
	}
}

func TestAnalyzeThresholdAndAlternative(t *testing.T) {
	a := NewAnalyzer()
	// Several digit and caps runs push the score below 0.7.
	res := a.Analyze("Dial 5550142983 or 8005551234 for our HVAC and NASDAQ desks", 0.7)
	if res.Passed {
		t.Fatalf("Score = %v, should fail at 0.7", res.Score)
	}
	if res.Alternative == "" {
		t.Fatal("failing text should carry an alternative")
	}
	if strings.Contains(res.Alternative, "5550142983") {
		t.Errorf("alternative still has the raw digit run: %q", res.Alternative)
	}
	if !strings.Contains(res.Alternative, "555 014 298 3") {
		t.Errorf("digits should be grouped in threes: %q", res.Alternative)
	}
	if !strings.Contains(res.Alternative, "H V A C") {
		t.Errorf("caps run should be letter-spaced: %q", res.Alternative)
	}
}

func TestAnalyzeCustomThreshold(t *testing.T) {
	a := NewAnalyzer(WithThreshold(0.95))
	res := a.Analyze("Reach the desk on 5551234567 today.", 0)
	if res.Passed {
		t.Error("one digit run should fail a 0.95 threshold")
	}
	// Explicit per-call threshold wins.
	res = a.Analyze("Reach the desk on 5551234567 today.", 0.5)
	if !res.Passed {
		t.Error("same text should pass at 0.5")
	}
}

func TestSpaceDigits(t *testing.T) {
	if got := spaceDigits("5550142"); got != "555 014 2" {
		t.Errorf("spaceDigits = %q", got)
	}
}

func TestScoreFloorsAtZero(t *testing.T) {
	a := NewAnalyzer()
	text := strings.Repeat("12345678 ABCDEF ", 10)
	res := a.Analyze(text, 0)
	if res.Score != 0 {
		t.Errorf("Score = %v, want clamped to 0", res.Score)
	}
}
