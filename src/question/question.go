// Package question turns recognized screen text into a question and its options.
package question

import (
	"regexp"
	"strings"

	"github.com/arbovm/levenshtein"
)

// Question is a parsed quiz question. Options are numbered from 1 on screen.
type Question struct {
	Text    string   `json:"question"`
	Options []string `json:"options"`
}

// clockPattern matches on-screen countdown timers such as "12:34".
var clockPattern = regexp.MustCompile(`\b\d{2}:\d{2}\b`)

// Parse extracts a question from recognized text. The first ':' or '?' after
// timers are removed separates the question from its options; later delimiters
// stay verbatim. It reports false when no question can be formed.
func Parse(text string) (Question, bool) {
	cleaned := clockPattern.ReplaceAllString(text, "")

	idx := strings.IndexAny(cleaned, ":?")
	if idx < 0 {
		return Question{}, false
	}

	head := strings.TrimSpace(cleaned[:idx])
	tail := strings.TrimSpace(cleaned[idx+1:])
	if head == "" || tail == "" {
		return Question{}, false
	}

	lines := strings.Split(tail, "\n")
	options := make([]string, 0, len(lines))
	for _, line := range lines {
		options = append(options, strings.TrimSpace(line))
	}
	// Interior blanks keep numbering aligned with the rows on screen.
	for len(options) > 0 && options[len(options)-1] == "" {
		options = options[:len(options)-1]
	}
	if len(options) == 0 {
		return Question{}, false
	}

	return Question{Text: head + "?", Options: options}, true
}

// Similarity is 1 minus the normalized edit distance between a and b, compared
// case-insensitively with surrounding whitespace removed.
func Similarity(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == b {
		return 1
	}
	longest := len([]rune(a))
	if n := len([]rune(b)); n > longest {
		longest = n
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein.Distance(a, b))/float64(longest)
}

// Key is the text used to recognise a question seen before.
func (q Question) Key() string {
	return q.Text + "\n" + strings.Join(q.Options, "\n")
}
