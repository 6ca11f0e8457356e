package brok

import (
	"regexp"
	"strings"
)

// Severity classifies how likely a message is a prompt-injection attempt.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

const (
	// severityMediumScore marks a message suspicious (logged, sanitized)
	severityMediumScore = 4

	// severityHighScore blocks the message outright
	severityHighScore = 8

	// maxRepeatedChars flags runs longer than this as obfuscation padding
	maxRepeatedChars = 15

	// collapseRepeatThreshold is the run length above which the sanitizer
	// collapses repeats; collapseRepeatKeep is what survives
	collapseRepeatThreshold = 20
	collapseRepeatKeep      = 3

	// maxTagCount is how many tag-like tokens a normal message may carry
	maxTagCount = 3
)

type injectionPattern struct {
	re          *regexp.Regexp
	weight      int
	description string
}

// injectionPatterns is the weighted heuristic list. The community is
// Brazilian, so the phrases cover Portuguese wordings alongside the usual
// English ones.
var injectionPatterns = []injectionPattern{
	{
		re:          regexp.MustCompile(`(?i)esque(ç|c)(a|e|o)|ignore|desconsidere`),
		weight:      3,
		description: "forget_ignore_instructions",
	},
	{
		re:          regexp.MustCompile(`(?i)instru(ç|c)(õ|ã|ô|o)es (anteriores|passadas|pr(é|e)vias)`),
		weight:      3,
		description: "previous_instructions",
	},
	{
		re:          regexp.MustCompile(`(?i)voc(ê|e) (agora (é|e)|ser(á|a))`),
		weight:      2,
		description: "role_override",
	},
	{
		re:          regexp.MustCompile(`(?i)(seu|teu) (novo|pr(ó|o)ximo) (papel|objetivo|prop(ó|o)sito)`),
		weight:      2,
		description: "role_redefinition",
	},
	{
		re:          regexp.MustCompile(`(?i)<\s*(system|admin|root|assistant|instruction)[\s>]`),
		weight:      4,
		description: "fake_system_tags",
	},
	{
		re:          regexp.MustCompile(`(?i)\[(SYSTEM|ADMIN|INSTRUCTION)\]`),
		weight:      4,
		description: "fake_system_brackets",
	},
	{
		re:          regexp.MustCompile(`(?i)fale mal|xingar|ofender|insultar`),
		weight:      2,
		description: "malicious_intent",
	},
	{
		re:          regexp.MustCompile(`(?i)(delete|remova|apague) (todas|seus) (mem(ó|o)rias|dados|informa(ç|c)(õ|o)es)`),
		weight:      3,
		description: "data_deletion",
	},
	{
		re:          regexp.MustCompile(`(?i)from now on|a partir de agora|daqui pra frente`),
		weight:      2,
		description: "behavioral_override",
	},
	{
		re:          regexp.MustCompile(`(?i)repita|copie|echo`),
		weight:      1,
		description: "data_extraction",
	},
}

var tagTokenRe = regexp.MustCompile(`(?i)</?[a-z]+>`)

// InjectionDetection is the result of scoring one message.
type InjectionDetection struct {
	// IsSuspicious is true at score >= 4 (medium severity and up)
	IsSuspicious bool

	// Score is the weighted sum over all matched heuristics
	Score int

	// Patterns lists the descriptions of matched heuristics, deduplicated,
	// in match order
	Patterns []string

	Severity Severity
}

// DetectPromptInjection scores a message against the heuristic list: each
// pattern contributes weight x matchCount, long single-character runs and
// unusual tag density add small bonuses. Scores of 8 and up are high
// severity (blocked); 4 and up are medium (logged and sanitized).
func DetectPromptInjection(message string) InjectionDetection {
	score := 0
	var patterns []string

	for _, p := range injectionPatterns {
		matches := p.re.FindAllStringIndex(message, -1)
		if len(matches) > 0 {
			score += p.weight * len(matches)
			patterns = append(patterns, p.description)
		}
	}

	if longestRun(message) > maxRepeatedChars {
		score++
		patterns = append(patterns, "suspicious_repetition")
	}

	if len(tagTokenRe.FindAllString(message, -1)) > maxTagCount {
		score += 2
		patterns = append(patterns, "multiple_xml_tags")
	}

	severity := SeverityLow
	switch {
	case score >= severityHighScore:
		severity = SeverityHigh
	case score >= severityMediumScore:
		severity = SeverityMedium
	}

	return InjectionDetection{
		IsSuspicious: score >= severityMediumScore,
		Score:        score,
		Patterns:     patterns,
		Severity:     severity,
	}
}

// longestRun returns the length of the longest run of one repeated rune.
// Go's regexp has no backreferences, so run detection is a plain scan.
func longestRun(s string) int {
	var prev rune
	run, longest := 0, 0
	for _, r := range s {
		if r == prev {
			run++
		} else {
			prev = r
			run = 1
		}
		if run > longest {
			longest = run
		}
	}
	return longest
}

var (
	fakeTagRe = regexp.MustCompile(
		`(?i)<\s*/?\s*(system|admin|root|assistant|instruction|ai|prompt|context)\s*[^>]*>`,
	)
	fakeBracketRe = regexp.MustCompile(
		`(?i)\[(SYSTEM|ADMIN|ROOT|INSTRUCTION|AI|PROMPT)\]`,
	)
	excessNewlinesRe = regexp.MustCompile(`\n{10,}`)
)

// Sanitization is the result of cleaning one message.
type Sanitization struct {
	// SanitizedMessage is the cleaned text, trimmed
	SanitizedMessage string

	// WasModified is true when any pattern was removed or collapsed
	WasModified bool

	// RemovedPatterns names what was stripped, deduplicated
	RemovedPatterns []string
}

// SanitizeInput strips fake system/role tags and bracketed pseudo-commands,
// collapses excessive character repetition and blank-line padding, and
// trims the result. A second pass over sanitized output is a no-op: tag and
// bracket removal loop to a fixed point so removal can't splice a new
// pattern together.
func SanitizeInput(message string) Sanitization {
	sanitized := message
	var removed []string

	if fakeTagRe.MatchString(sanitized) {
		for {
			next := fakeTagRe.ReplaceAllString(sanitized, "")
			if next == sanitized {
				break
			}
			sanitized = next
		}
		removed = append(removed, "fake_system_tags")
	}

	if fakeBracketRe.MatchString(sanitized) {
		for {
			next := fakeBracketRe.ReplaceAllString(sanitized, "")
			if next == sanitized {
				break
			}
			sanitized = next
		}
		removed = append(removed, "fake_system_brackets")
	}

	if longestRun(sanitized) > collapseRepeatThreshold {
		sanitized = collapseRuns(
			sanitized,
			collapseRepeatThreshold,
			collapseRepeatKeep,
		)
		removed = append(removed, "excessive_repetition")
	}

	if excessNewlinesRe.MatchString(sanitized) {
		sanitized = excessNewlinesRe.ReplaceAllString(sanitized, "\n\n")
		removed = append(removed, "excessive_newlines")
	}

	return Sanitization{
		SanitizedMessage: strings.TrimSpace(sanitized),
		WasModified:      len(removed) > 0,
		RemovedPatterns:  removed,
	}
}

// collapseRuns rewrites runs longer than threshold down to keep copies.
func collapseRuns(s string, threshold, keep int) string {
	runes := []rune(s)
	var out []rune
	i := 0
	for i < len(runes) {
		j := i
		for j < len(runes) && runes[j] == runes[i] {
			j++
		}
		runLen := j - i
		if runLen > threshold {
			for k := 0; k < keep; k++ {
				out = append(out, runes[i])
			}
		} else {
			out = append(out, runes[i:j]...)
		}
		i = j
	}
	return string(out)
}

// unicodeConfusables maps accented look-alikes to their plain-ASCII base
// letters, defeating obfuscated instruction injection like "ignorẽ".
var unicodeConfusables = map[rune]rune{
	'ẽ': 'e',
	'ã': 'a',
	'õ': 'o',
	'í': 'i',
	'ó': 'o',
	'á': 'a',
	'é': 'e',
	'ú': 'u',
	'ç': 'c',
}

// NormalizeUnicode substitutes known confusable characters with their ASCII
// base letters. Applied independently of SanitizeInput.
func NormalizeUnicode(text string) string {
	return strings.Map(
		func(r rune) rune {
			if base, ok := unicodeConfusables[r]; ok {
				return base
			}
			return r
		}, text,
	)
}
