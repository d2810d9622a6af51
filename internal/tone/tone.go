// Package tone classifies the tone of an inbound resident email so replies
// can be pitched appropriately and abusive or escalating messages routed to a
// senior manager.
//
// Scoring table (points are summed):
//
//	keywords     abuse +4 · threats +2 · anger +min(n,2) · frustration +min(0.5n,1.5)
//	             concern −0.5 when the running keyword score is positive
//	intensity    >2 "!" +min(0.3n,2) · caps-word ratio >10% +min(8r,3)
//	             repeated punctuation (!!, ?!, ...) +min(0.5n,1.5) · a character run of 4+ +0.5
//	structure    under 50 chars with "!" +1 · 3+ negative sentences +1 · 3+ "?" with "!" +0.5
//	escalation   legal/regulator/media threat or personal attack +2 and escalation flag
//	history      prior unresolved complaints +1
//
// Labels: abusive when escalation is flagged or score ≥ 4, angry ≥ 2.5,
// concerned ≥ 1, otherwise neutral. Confidence is min(score/5, 1).
package tone

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode"
)

// Label is the detected tone.
type Label string

const (
	Neutral   Label = "neutral"
	Concerned Label = "concerned"
	Angry     Label = "angry"
	Abusive   Label = "abusive"
)

// Result is the classifier output.
type Result struct {
	Label              Label    `json:"label"`
	Reasons            []string `json:"reasons"`
	Confidence         float64  `json:"confidence"`
	EscalationRequired bool     `json:"escalation_required"`
	Score              float64  `json:"score"`
}

const maxReasons = 5

var (
	angerWords = []string{
		"furious", "outraged", "livid", "disgusted", "appalled", "sick of",
		"fed up", "had enough", "ridiculous", "pathetic", "useless",
		"incompetent", "terrible", "awful", "shocking", "disgraceful",
	}
	concernWords = []string{
		"worried", "concerned", "anxious", "nervous", "bothered", "troubled",
		"uneasy", "alarmed", "distressed", "uncomfortable", "issue", "problem",
	}
	abuseWords = []string{
		"idiot", "moron", "stupid", "pathetic excuse", "waste of space",
		"joke", "scam", "rip off", "thieves", "criminals", "fraudsters",
	}
	threatWords = []string{
		"sue", "legal action", "solicitor", "lawyer", "court", "ombudsman",
		"expose", "media", "social media", "review", "complain to", "report",
	}
	frustrationWords = []string{
		"frustrated", "annoyed", "irritated", "disappointed", "unhappy",
		"upset", "angry", "mad", "cross", "livid", "irate",
	}
	escalationWords = []string{
		"sue", "legal action", "solicitor", "lawyer", "court", "ombudsman",
		"trading standards", "environmental health", "council", "mp",
		"expose", "social media", "review site", "local news",
	}
	personalAttacks = []string{
		"you are", "you're useless", "incompetent", "pathetic excuse",
		"waste of space", "should be fired", "shouldn't have a job",
	}
	negativeWords = []string{"not", "no", "never", "nothing", "none", "fail", "wrong", "bad"}

	repeatedPunct = regexp.MustCompile(`[!?]{2,}|\.{3,}`)
	sentenceSplit = regexp.MustCompile(`[.!?]+`)
	phraseCache   = map[string]*regexp.Regexp{}
)

func init() {
	for _, list := range [][]string{angerWords, concernWords, abuseWords, threatWords, frustrationWords, escalationWords, personalAttacks, negativeWords} {
		for _, phrase := range list {
			phraseCache[phrase] = regexp.MustCompile(`\b` + regexp.QuoteMeta(phrase) + `\b`)
		}
	}
}

// Detect scores message (and optional subject). It is a pure function.
func Detect(message, subject string, priorComplaints bool) Result {
	full := strings.ToLower(strings.TrimSpace(subject + " " + message))
	var (
		score   float64
		reasons []string
	)
	add := func(points float64, reason string) {
		score += points
		reasons = append(reasons, reason)
	}

	keywordScore, keywordReasons := scoreKeywords(full)
	score += keywordScore
	reasons = append(reasons, keywordReasons...)

	scoreIntensity(message, add)
	scoreStructure(message, add)

	escalation := false
	if found := matches(full, escalationWords); len(found) > 0 {
		escalation = true
		if len(found) > 3 {
			found = found[:3]
		}
		reasons = append(reasons, "escalation threats: "+strings.Join(found, ", "))
	}
	if len(matches(full, personalAttacks)) > 0 {
		escalation = true
		reasons = append(reasons, "personal attacks detected")
	}
	if escalation {
		score += 2
	}
	if priorComplaints {
		add(1, "prior unresolved complaints")
	}

	if len(reasons) > maxReasons {
		reasons = reasons[:maxReasons]
	}
	if reasons == nil {
		reasons = []string{}
	}
	return Result{
		Label:              label(score, escalation),
		Reasons:            reasons,
		Confidence:         math.Min(score/5, 1),
		EscalationRequired: escalation,
		Score:              score,
	}
}

func scoreKeywords(text string) (float64, []string) {
	var (
		score   float64
		reasons []string
	)
	if len(matches(text, abuseWords)) > 0 {
		score += 4
		reasons = append(reasons, "abusive language detected")
	}
	if len(matches(text, threatWords)) > 0 {
		score += 2
		reasons = append(reasons, "legal/escalation threats")
	}
	if n := len(matches(text, angerWords)); n > 0 {
		score += math.Min(float64(n), 2)
		reasons = append(reasons, fmt.Sprintf("anger indicators (%d)", n))
	}
	if n := len(matches(text, frustrationWords)); n > 0 {
		score += math.Min(float64(n)*0.5, 1.5)
		reasons = append(reasons, fmt.Sprintf("frustration indicators (%d)", n))
	}
	if len(matches(text, concernWords)) > 0 && score > 0 {
		score = math.Max(score-0.5, 0)
		reasons = append(reasons, "constructive concern language")
	}
	return score, reasons
}

func scoreIntensity(text string, add func(float64, string)) {
	if n := strings.Count(text, "!"); n > 2 {
		add(math.Min(float64(n)*0.3, 2), fmt.Sprintf("excessive exclamation marks (%d)", n))
	}
	words := strings.Fields(text)
	caps := 0
	for _, w := range words {
		if isShouted(w) {
			caps++
		}
	}
	if len(words) > 0 {
		ratio := float64(caps) / float64(len(words))
		if ratio > 0.1 {
			add(math.Min(ratio*8, 3), fmt.Sprintf("shouting detected (%d%% caps)", int(math.Round(ratio*100))))
		}
	}
	if n := len(repeatedPunct.FindAllString(text, -1)); n > 0 {
		add(math.Min(float64(n)*0.5, 1.5), "repeated punctuation")
	}
	if hasCharRun(text, 4) {
		add(0.5, "character repetition")
	}
}

func scoreStructure(text string, add func(float64, string)) {
	if len(strings.TrimSpace(text)) < 50 && strings.Contains(text, "!") {
		add(1, "short, emphatic message")
	}
	negative := 0
	for _, sentence := range sentenceSplit.Split(text, -1) {
		if len(strings.TrimSpace(sentence)) <= 5 {
			continue
		}
		if len(matches(strings.ToLower(sentence), negativeWords)) > 0 {
			negative++
		}
	}
	if negative > 2 {
		add(1, "multiple negative statements")
	}
	if strings.Count(text, "?") > 2 && strings.Contains(text, "!") {
		add(0.5, "aggressive questioning")
	}
}

func label(score float64, escalation bool) Label {
	switch {
	case escalation || score >= 4:
		return Abusive
	case score >= 2.5:
		return Angry
	case score >= 1:
		return Concerned
	default:
		return Neutral
	}
}

// matches returns the phrases that occur in text as whole words.
func matches(text string, phrases []string) []string {
	var found []string
	for _, p := range phrases {
		if phraseCache[p].MatchString(text) {
			found = append(found, p)
		}
	}
	return found
}

func isShouted(word string) bool {
	if len([]rune(word)) <= 2 || word != strings.ToUpper(word) {
		return false
	}
	for _, r := range word {
		if r >= 'A' && r <= 'Z' {
			return true
		}
	}
	return false
}

// hasCharRun reports whether any rune repeats n or more times in a row.
func hasCharRun(text string, n int) bool {
	var (
		prev rune = -1
		run  int
	)
	for _, r := range text {
		if r == prev {
			run++
		} else {
			prev, run = r, 1
		}
		if run >= n && !unicode.IsSpace(r) {
			return true
		}
	}
	return false
}
