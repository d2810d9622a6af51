package tone

import (
	"math"
	"slices"
	"testing"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		name        string
		message     string
		subject     string
		prior       bool
		want        Label
		escalation  bool
		score       float64
		wantReasons []string
	}{
		{
			name:    "polite enquiry",
			message: "Hi, could you let me know when the gutters will be cleaned? Thanks.",
			subject: "Gutters",
			want:    Neutral,
		},
		{
			name:    "concern alone does not score",
			message: "I'm worried about the damp patch in the bedroom.",
			want:    Neutral,
		},
		{
			name:        "anger keywords cap at two points",
			message:     "I am furious and disgusted, this is terrible.",
			want:        Concerned,
			score:       2,
			wantReasons: []string{"anger indicators (3)"},
		},
		{
			name:        "anger plus frustration",
			message:     "I am fed up and frustrated, this is shocking. Please sort the lift out today.",
			want:        Angry,
			score:       2.5,
			wantReasons: []string{"anger indicators (2)", "frustration indicators (1)"},
		},
		{
			name:        "solicitor threat escalates",
			message:     "I will be contacting my solicitor about this.",
			want:        Abusive,
			escalation:  true,
			score:       4,
			wantReasons: []string{"legal/escalation threats", "escalation threats: solicitor"},
		},
		{
			name:        "prior complaints add a point",
			message:     "Any update on the roof repair please.",
			prior:       true,
			want:        Concerned,
			score:       1,
			wantReasons: []string{"prior unresolved complaints"},
		},
		{
			name:    "keywords match whole words only",
			message: "I have an issue with the bin store and the compost area.",
			want:    Neutral,
		},
		{
			name:       "subject is scanned for keywords",
			message:    "See below.",
			subject:    "Referral to the ombudsman",
			want:       Abusive,
			escalation: true,
			score:      4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Detect(tt.message, tt.subject, tt.prior)
			if got.Label != tt.want {
				t.Fatalf("label = %s, want %s (reasons %v, score %.2f)", got.Label, tt.want, got.Reasons, got.Score)
			}
			if got.EscalationRequired != tt.escalation {
				t.Fatalf("escalation = %v, want %v", got.EscalationRequired, tt.escalation)
			}
			if math.Abs(got.Score-tt.score) > 1e-9 {
				t.Fatalf("score = %.2f, want %.2f (reasons %v)", got.Score, tt.score, got.Reasons)
			}
			if want := math.Min(tt.score/5, 1); math.Abs(got.Confidence-want) > 1e-9 {
				t.Fatalf("confidence = %.2f, want %.2f", got.Confidence, want)
			}
			if tt.wantReasons != nil && !slices.Equal(got.Reasons, tt.wantReasons) {
				t.Fatalf("reasons = %q, want %q", got.Reasons, tt.wantReasons)
			}
			if got.Reasons == nil {
				t.Fatal("reasons should never be nil")
			}
		})
	}
}

func TestDetectShoutingIsAbusive(t *testing.T) {
	got := Detect("You are an idiot!!! This is a SCAM and I WILL SUE YOU!!!", "", false)
	if got.Label != Abusive || !got.EscalationRequired {
		t.Fatalf("got %+v", got)
	}
	if len(got.Reasons) != maxReasons {
		t.Fatalf("reasons = %d, want %d", len(got.Reasons), maxReasons)
	}
	if got.Confidence != 1 {
		t.Fatalf("confidence = %v, want 1", got.Confidence)
	}
}

func TestIntensitySignals(t *testing.T) {
	var reasons []string
	var score float64
	scoreIntensity("Why is nothing done?!? Pleeeease... ANSWER ME", func(p float64, r string) {
		score += p
		reasons = append(reasons, r)
	})
	for _, want := range []string{"repeated punctuation", "character repetition"} {
		if !slices.Contains(reasons, want) {
			t.Fatalf("missing %q in %v", want, reasons)
		}
	}
	if score <= 0 {
		t.Fatalf("score = %v", score)
	}
}

func TestHelpers(t *testing.T) {
	if !isShouted("NOW!") || isShouted("OK") || isShouted("Now") || isShouted("123") {
		t.Fatal("isShouted misclassified a word")
	}
	if !hasCharRun("nooooo", 4) || hasCharRun("noooo", 5) || hasCharRun("a    b", 4) {
		t.Fatal("hasCharRun misreported a run")
	}
}
