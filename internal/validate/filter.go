package validate

import "strings"

// wordFilter matches forbidden terms against tokenized input. Single-word
// terms must match a whole token; multi-word terms are matched as phrases
// over consecutive tokens. Matching is case-insensitive.
type wordFilter struct {
	words   map[string]struct{}
	phrases [][]string
}

// newWordFilter builds a filter from the configured term list. Empty and
// whitespace-only terms are ignored.
func newWordFilter(terms []string) *wordFilter {
	f := &wordFilter{words: make(map[string]struct{})}
	for _, term := range terms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term == "" {
			continue
		}
		parts := strings.Fields(term)
		if len(parts) == 1 {
			f.words[parts[0]] = struct{}{}
		} else {
			f.phrases = append(f.phrases, parts)
		}
	}
	return f
}

// check returns the first forbidden term found in text, or "" if the text
// is clean.
func (f *wordFilter) check(text string) string {
	if len(f.words) == 0 && len(f.phrases) == 0 {
		return ""
	}

	tokens := tokenize(text)

	for _, tok := range tokens {
		if _, ok := f.words[tok]; ok {
			return tok
		}
	}

	for _, phrase := range f.phrases {
		if containsPhrase(tokens, phrase) {
			return strings.Join(phrase, " ")
		}
	}
	return ""
}

// tokenize lowercases text and splits it into tokens on any rune that is
// not a letter, digit or apostrophe, so punctuation does not defeat
// whole-word matching.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '\'':
			return false
		case r >= 0x80: // keep non-ASCII letters inside tokens
			return false
		}
		return true
	})
}

// containsPhrase reports whether the phrase appears as consecutive tokens.
func containsPhrase(tokens, phrase []string) bool {
	if len(phrase) == 0 || len(tokens) < len(phrase) {
		return false
	}
	for i := 0; i+len(phrase) <= len(tokens); i++ {
		match := true
		for j, p := range phrase {
			if tokens[i+j] != p {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
