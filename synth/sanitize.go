package synth

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	maxCandidateLen = 180
	maxDerivedLen   = 120
	maxPhrasedLen   = 160
	// MaxMessageLen bounds every message Sanitize returns.
	MaxMessageLen = 200
)

// deniedTerms mark a candidate as meta or regulatory talk that an end user
// would not say.
var deniedTerms = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bobjective\b`),
	regexp.MustCompile(`(?i)\brubric\b`),
	regexp.MustCompile(`(?i)\bsteps?\b`),
	regexp.MustCompile(`(?i)\bescalat`),
	regexp.MustCompile(`(?i)\bdge\b`),
	regexp.MustCompile(`(?i)division of gaming`),
	regexp.MustCompile(`(?i)\bnew jersey\b`),
	regexp.MustCompile(`(?i)\bnj\b`),
	regexp.MustCompile(`(?i)gambl`),
	regexp.MustCompile(`(?i)regulat`),
	regexp.MustCompile(`(?i)compliance`),
	regexp.MustCompile(`(?i)policy`),
	regexp.MustCompile(`(?i)finra`),
	regexp.MustCompile(`(?i)sec\b`),
	regexp.MustCompile(`(?i)gdpr`),
	regexp.MustCompile(`(?i)hipaa`),
	regexp.MustCompile(`(?i)checklist`),
	regexp.MustCompile(`(?i)draft`),
	regexp.MustCompile(`(?i)outline`),
	regexp.MustCompile(`(?i)cite`),
	regexp.MustCompile(`(?i)sources?`),
	regexp.MustCompile(`(?i)official links?`),
	regexp.MustCompile(`(?i)provide\b`),
	regexp.MustCompile(`(?i)confirm\b`),
	regexp.MustCompile(`(?i)include\b`),
}

var (
	objectivePrefix = regexp.MustCompile(`(?i)^objective\s*:\s*`)
	listyPattern    = regexp.MustCompile(`(?i)(including|for example|e\.g\.|1\)|2\)|-\s|:\s)`)
	directiveClause = regexp.MustCompile(`(?i)\b(surface|draft|outline|provide|confirm|include|avoid|ensure|evaluate|add|comply|compliance|regulations?|policy|policies)\b[^.,;:)]*`)
	parenthetical   = regexp.MustCompile(`\([^)]*\)`)
	whitespace      = regexp.MustCompile(`\s+`)
	firstSentence   = regexp.MustCompile(`[.\n]`)
	leadingFiller   = regexp.MustCompile(`(?i)^(that|this|about)\s+`)
	danglingWord    = regexp.MustCompile(`(?i)\s+(with|to|for|about|under|by|of|and|the)$`)

	regulatorRefs = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(NJ|New Jersey) Division of Gaming Enforcement\b`),
		regexp.MustCompile(`(?i)\bDGE\b`),
		regexp.MustCompile(`(?i)\bNew Jersey\b`),
		regexp.MustCompile(`(?i)\bNJ\b`),
		regexp.MustCompile(`(?i)responsible gaming( resources)?`),
		regexp.MustCompile(`(?i)\b(FINRA|SEC|GDPR|HIPAA)\b`),
	}

	startsWithI   = regexp.MustCompile(`(?i)^(i\s|i'm\s|i am\s)`)
	endsPunct     = regexp.MustCompile(`[.!?]$`)
	cannotPattern = regexp.MustCompile(`(?i)^(can't|cannot|unable to)`)
	problemWords  = regexp.MustCompile(`(?i)^(error|issue|problem)`)
	leadingTo     = regexp.MustCompile(`(?i)^to\s+`)
	verbish       = regexp.MustCompile(`(?i)^(to\s+|set(\s+up)?\b|configure\b|connect\b|integrate\b|enable\b|disable\b|update\b|reset\b|change\b|cancel\b|close\b|open\b|verify\b|link\b|unlink\b|delete\b|remove\b|create\b|export\b|import\b|submit\b|file\b|pay\b|refund\b|dispute\b|troubleshoot\b|fix\b|recover\b|access\b|sign in\b|log in\b|sign up\b|register\b|upgrade\b|downgrade\b|transfer\b|withdraw\b|deposit\b|locate\b|find\b|download\b|upload\b|turn on\b|turn off\b|activate\b|deactivate\b|opt in\b|opt out\b)`)
)

// Sanitize returns proposed when it reads like something an end user would
// type, and otherwise derives a plain request from objective. The result
// never exceeds MaxMessageLen characters.
func Sanitize(objective, proposed string) string {
	obj := strings.TrimSpace(objectivePrefix.ReplaceAllString(strings.TrimSpace(objective), ""))
	msg := strings.TrimSpace(proposed)

	if msg != "" && !looksMeta(msg) {
		return truncate(msg, MaxMessageLen)
	}
	return phrase(deriveTopic(obj))
}

// looksMeta reports whether msg is too long, list-like or uses a denied
// term.
func looksMeta(msg string) bool {
	if utf8.RuneCountInString(msg) > maxCandidateLen || listyPattern.MatchString(msg) {
		return true
	}
	for _, re := range deniedTerms {
		if re.MatchString(msg) {
			return true
		}
	}
	return false
}

// deriveTopic strips directive clauses, parentheticals and regulator
// references from the objective.
func deriveTopic(obj string) string {
	s := directiveClause.ReplaceAllString(obj, "")
	s = parenthetical.ReplaceAllString(s, "")
	s = stripRegulators(collapse(s))

	if s == "" || utf8.RuneCountInString(s) > maxDerivedLen {
		base := s
		if base == "" {
			base = obj
		}
		first := strings.TrimSpace(firstSentence.Split(base, 2)[0])
		s = stripRegulators(truncate(first, maxDerivedLen))
	}
	s = leadingFiller.ReplaceAllString(s, "")
	for danglingWord.MatchString(s) {
		s = danglingWord.ReplaceAllString(s, "")
	}
	return s
}

func stripRegulators(s string) string {
	for _, re := range regulatorRefs {
		s = re.ReplaceAllString(s, "")
	}
	return collapse(s)
}

func collapse(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}

// phrase turns a topic into a first-person request.
func phrase(s string) string {
	var out string
	switch {
	case startsWithI.MatchString(s):
		out = s
		if !endsPunct.MatchString(s) {
			out += "."
		}
	case verbish.MatchString(s):
		out = "I'm trying to " + leadingTo.ReplaceAllString(s, "")
		if !endsPunct.MatchString(s) {
			out += "."
		}
	case cannotPattern.MatchString(s):
		out = "I'm " + s + "."
	case problemWords.MatchString(s):
		out = "I'm having a " + s + "."
	case s == "":
		out = "I need some help."
	default:
		out = "I need help with " + s + "."
	}

	out = strings.TrimSpace(out)
	if utf8.RuneCountInString(out) > maxPhrasedLen {
		out = truncate(out, maxPhrasedLen-3) + "…"
	}
	if !strings.HasSuffix(out, "?") {
		out += " Can you help?"
	}
	return out
}

// truncate returns at most n runes of s.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
