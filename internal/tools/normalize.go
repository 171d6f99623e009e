package tools

import (
	"strings"
	"unicode"
)

// Callers dictate contact details over a phone line, so the transcript
// arrives as speech: "my number is two oh two ...", "d at example dot com".
// The normalizers below turn that into machine-usable values and are
// idempotent, so re-normalizing an already-clean value is a no-op.

var digitWords = map[string]string{
	"zero": "0", "oh": "0", "o": "0",
	"one": "1",
	"two": "2", "to": "2", "too": "2",
	"three": "3",
	"four": "4", "for": "4",
	"five":  "5",
	"six":   "6",
	"seven": "7",
	"eight": "8", "ate": "8",
	"nine": "9",
}

// fillerPhrases are stripped before digit extraction. Longer phrases first so
// "my phone number is" is not half-eaten by "number is".
var fillerPhrases = []string{
	"my phone number is",
	"my number is",
	"phone number is",
	"the number is",
	"number is",
	"it is",
	"it's",
}

// NormalizePhone reduces a spoken or formatted phone number to bare digits.
// Digit words ("two", "oh") are mapped; everything non-numeric is dropped.
func NormalizePhone(raw string) string {
	s := strings.ToLower(raw)
	for _, phrase := range fillerPhrases {
		s = strings.ReplaceAll(s, phrase, " ")
	}

	tokens := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	var b strings.Builder
	for _, tok := range tokens {
		if d, ok := digitWords[tok]; ok {
			b.WriteString(d)
			continue
		}
		for _, r := range tok {
			if r >= '0' && r <= '9' {
				b.WriteRune(r)
			}
		}
	}
	return b.String()
}

// NormalizeEmail lowercases a spoken email and substitutes the spoken
// separators: the standalone words "at" and "dot" become "@" and ".".
func NormalizeEmail(raw string) string {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(raw)))
	var b strings.Builder
	for _, f := range fields {
		switch f {
		case "at":
			b.WriteString("@")
		case "dot":
			b.WriteString(".")
		default:
			b.WriteString(f)
		}
	}
	return b.String()
}
