// Package pattern classifies raw terminal output from coding-agent sessions.
// All classification is stateless except for the rolling Window, which exists
// because live terminal streams arrive in arbitrary chunks: a busy indicator
// or prompt marker can be split across two reads, so matching must run
// against (tail of previous buffer + new fragment), never a lone fragment.
package pattern

import (
	"regexp"
	"strings"
)

// completionRe matches duration-completion markers like "Worked for 2m 46s".
// The explicit "worked for" lead-in is required: bare durations appear in
// ordinary sentences ("wait for 5s") and must not count as completion.
var completionRe = regexp.MustCompile(`(?i)\bworked\s+for(\s+\d+(?:\.\d+)?(?:h|m|s|ms))+`)

// tokenCountRe matches abbreviated token counts like "123.4k tokens" or
// "1.5M tokens". The trailing "tokens" word is required: the bare
// number+suffix form also matches duration components ("2m 46s"), and a
// completion marker misread as millions of tokens would trip every
// token-threshold watcher.
var tokenCountRe = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s?([km])\s+tokens\b`)

// workingIndicators are text signatures that an agent is actively processing.
// Drawn from the status lines the major agent CLIs render while busy.
var workingIndicators = []string{
	"esc to interrupt",
	"thinking",
	"connecting",
	"processing",
	"loading",
	"please wait",
	"working",
}

// spinnerGlyphs are the animation frames agents draw while busy. The classic
// 10-frame braille spinner plus the asterisk-style frames. The ✻ done marker
// is deliberately absent: it appears on completion lines, not active ones.
var spinnerGlyphs = []string{
	"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏",
	"✢", "✳",
}

// promptPrefixes mark an input prompt waiting for the user. Checked against
// the start of trimmed lines near the bottom of the window.
var promptPrefixes = []string{"> ", "❯ ", "$ ", "% "}

// IsCompletionMessage reports whether text contains a duration-completion
// marker: a "worked for" lead-in followed by one or more number+unit groups.
func IsCompletionMessage(text string) bool {
	return completionRe.MatchString(text)
}

// ExtractTokenCount parses the first abbreviated token count in text and
// returns the expanded integer: "123.4k tokens" → 123400, "1.5M tokens"
// → 1500000. Returns (0, false) if no such pattern is present.
func ExtractTokenCount(text string) (int, bool) {
	m := tokenCountRe.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	// Parse the numeric part manually to avoid float rounding on values
	// like 123.4 (123.4 * 1000 must be exactly 123400).
	whole, frac, _ := strings.Cut(m[1], ".")
	mult := 1000
	if strings.EqualFold(m[2], "m") {
		mult = 1000000
	}
	n := 0
	for _, r := range whole {
		n = n*10 + int(r-'0')
	}
	n *= mult
	scale := mult
	for _, r := range frac {
		scale /= 10
		n += int(r-'0') * scale
	}
	return n, true
}

// ContainsWorkingPattern reports whether text contains any busy-vocabulary
// word or spinner glyph. Callers streaming terminal output should go through
// Window.Classify instead so split chunks are handled.
func ContainsWorkingPattern(text string) bool {
	lower := strings.ToLower(text)
	for _, w := range workingIndicators {
		if strings.Contains(lower, w) {
			return true
		}
	}
	for _, g := range spinnerGlyphs {
		if strings.Contains(text, g) {
			return true
		}
	}
	return false
}

// ContainsPromptPattern reports whether text ends at an input prompt: one of
// the last few non-empty lines starts with a prompt prefix, or is a bare ">".
func ContainsPromptPattern(text string) bool {
	lines := strings.Split(text, "\n")
	seen := 0
	for i := len(lines) - 1; i >= 0 && seen < 5; i-- {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" {
			continue
		}
		seen++
		if trimmed == ">" || trimmed == "❯" {
			return true
		}
		for _, p := range promptPrefixes {
			if strings.HasPrefix(trimmed, p) {
				return true
			}
		}
	}
	return false
}

// DefaultWindowSize is the retained tail length in bytes. Large enough to
// span any indicator split across a chunk boundary plus a few status lines.
const DefaultWindowSize = 512

// Window is a rolling tail buffer over a terminal output stream.
type Window struct {
	tail string
	max  int
}

// NewWindow creates a Window retaining up to size bytes of tail.
// size <= 0 means DefaultWindowSize.
func NewWindow(size int) *Window {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &Window{max: size}
}

// Signal is the classification of one stream fragment in window context.
type Signal struct {
	Working    bool // busy indicator or spinner present
	Prompt     bool // input prompt visible
	Completion bool // duration-completion marker present
	Tokens     int  // expanded token count, valid only if HasTokens
	HasTokens  bool
}

// Classify matches the combined (tail + fragment) text, then advances the
// tail. Each fragment must be fed exactly once.
func (w *Window) Classify(fragment string) Signal {
	combined := w.tail + fragment
	sig := Signal{
		Working:    ContainsWorkingPattern(combined),
		Prompt:     ContainsPromptPattern(combined),
		Completion: IsCompletionMessage(combined),
	}
	if n, ok := ExtractTokenCount(combined); ok {
		sig.Tokens = n
		sig.HasTokens = true
	}
	w.advance(combined)
	return sig
}

// Reset discards the retained tail.
func (w *Window) Reset() {
	w.tail = ""
}

func (w *Window) advance(combined string) {
	if len(combined) <= w.max {
		w.tail = combined
		return
	}
	cut := combined[len(combined)-w.max:]
	// Don't cut mid-rune: a split glyph would never match again.
	for len(cut) > 0 && !utf8RuneStart(cut[0]) {
		cut = cut[1:]
	}
	w.tail = cut
}

func utf8RuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
