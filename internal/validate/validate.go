// Package validate checks user-supplied text (room names, display names,
// chat messages) against configured limits, strips markup that should never
// reach other clients, and extracts @mention tokens from message bodies.
package validate

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Limits holds the configurable bounds applied to user input.
type Limits struct {
	MaxMessageLen  int      // max message length in characters
	MaxUsernameLen int      // max display name length in characters
	MaxRoomNameLen int      // max room name length in characters
	BannedWords    []string // forbidden words/phrases, matched case-insensitively
}

// DefaultLimits returns the limits used when no configuration is provided.
func DefaultLimits() Limits {
	return Limits{
		MaxMessageLen:  500,
		MaxUsernameLen: 20,
		MaxRoomNameLen: 30,
		BannedWords:    nil,
	}
}

// reservedNames are display names no client may claim, checked
// case-insensitively.
var reservedNames = []string{"system", "admin", "moderator", "bot"}

// roomForbiddenChars are characters rejected in room names because they
// break naive HTML rendering on the client side.
const roomForbiddenChars = `<>&"'/`

var (
	htmlTagPattern   = regexp.MustCompile(`<[^>]+>`)
	eventAttrPattern = regexp.MustCompile(`(?i)on\w+\s*=\s*["'][^"']*["']`)
	mentionPattern   = regexp.MustCompile(`@(\w+)`)
	whitespaceFlood  = regexp.MustCompile(`\s{10,}`)
	specialFlood     = regexp.MustCompile(`[!@#$%^&*()]{5,}`)
)

// Validator applies the configured limits and forbidden-word filter.
type Validator struct {
	limits Limits
	filter *wordFilter
}

// New creates a Validator for the given limits.
func New(limits Limits) *Validator {
	return &Validator{
		limits: limits,
		filter: newWordFilter(limits.BannedWords),
	}
}

// Limits returns the limits the validator was built with.
func (v *Validator) Limits() Limits {
	return v.limits
}

// RoomName checks a room name against length, content and character rules.
func (v *Validator) RoomName(name string) error {
	if err := v.checkText(name, v.limits.MaxRoomNameLen, "room name"); err != nil {
		return err
	}
	if i := strings.IndexAny(name, roomForbiddenChars); i >= 0 {
		return fmt.Errorf("room name must not contain %q", name[i:i+1])
	}
	return nil
}

// Username checks a display name against length, content and reserved-word
// rules.
func (v *Validator) Username(name string) error {
	if err := v.checkText(name, v.limits.MaxUsernameLen, "display name"); err != nil {
		return err
	}
	lower := strings.ToLower(strings.TrimSpace(name))
	for _, reserved := range reservedNames {
		if lower == reserved {
			return fmt.Errorf("display name %q is reserved", name)
		}
	}
	return nil
}

// Message checks a chat message against length, content and flood rules.
func (v *Validator) Message(text string) error {
	if err := v.checkText(text, v.limits.MaxMessageLen, "message"); err != nil {
		return err
	}
	if whitespaceFlood.MatchString(text) {
		return fmt.Errorf("message contains excessive whitespace")
	}
	if specialFlood.MatchString(text) {
		return fmt.Errorf("message contains excessive special characters")
	}
	return nil
}

// checkText applies the rules shared by all input kinds: non-empty after
// trimming, valid UTF-8, within the character limit, and free of forbidden
// words.
func (v *Validator) checkText(text string, maxLen int, field string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return fmt.Errorf("%s is empty", field)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("%s contains invalid UTF-8", field)
	}
	if utf8.RuneCountInString(trimmed) > maxLen {
		return fmt.Errorf("%s exceeds %d character limit", field, maxLen)
	}
	if term := v.filter.check(trimmed); term != "" {
		return fmt.Errorf("%s contains a forbidden word", field)
	}
	return nil
}

// Sanitize strips HTML tags and inline event-handler attributes from text
// and trims surrounding whitespace. It is applied to display names and
// message bodies before they are broadcast.
func Sanitize(text string) string {
	if text == "" {
		return ""
	}
	text = eventAttrPattern.ReplaceAllString(text, "")
	text = htmlTagPattern.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

// ExtractMentions returns the distinct @name tokens found in a message, in
// order of first appearance. Whether a mention refers to an actual room
// member is decided by the caller.
func ExtractMentions(text string) []string {
	if text == "" {
		return nil
	}
	matches := mentionPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	mentions := make([]string, 0, len(matches))
	for _, m := range matches {
		key := strings.ToLower(m[1])
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		mentions = append(mentions, m[1])
	}
	return mentions
}
