// Package transcript turns the recognizer's final tokens into segments and
// joins them with script-aware spacing.
package transcript

import (
	"strings"
	"unicode"
)

// EndToken is the in-band end-of-speech sentinel. It never reaches a segment.
const EndToken = "<end>"

const (
	sentenceTerminators = ".!?。！？"
	closingPunctuation  = ".!?,:;)]}”’\""
)

// Assembler holds completed segments plus the open one. It is not safe for
// concurrent use; the session guards it with its own mutex.
type Assembler struct {
	current   string
	completed []string
}

// AddFinalToken appends text to the open segment. Leading spaces are kept:
// the recognizer encodes word boundaries in them.
func (a *Assembler) AddFinalToken(text string) {
	cleaned := strings.ReplaceAll(text, EndToken, "")
	if cleaned != "" {
		a.current += cleaned
	}
}

// CheckAndCompleteSegment closes the open segment when it ends in a sentence
// terminator, ignoring trailing spaces.
func (a *Assembler) CheckAndCompleteSegment() {
	a.current = strings.ReplaceAll(a.current, EndToken, "")
	trimmed := strings.TrimRight(a.current, " \t")
	if trimmed == "" {
		return
	}
	last := lastRune(trimmed)
	if strings.ContainsRune(sentenceTerminators, last) {
		a.completed = append(a.completed, a.current)
		a.current = ""
	}
}

// ForceCompleteCurrentSegment closes the open segment if it has any content,
// trimming trailing whitespace only.
func (a *Assembler) ForceCompleteCurrentSegment() {
	a.current = strings.ReplaceAll(a.current, EndToken, "")
	if strings.TrimSpace(a.current) == "" {
		return
	}
	a.completed = append(a.completed, strings.TrimRightFunc(a.current, unicode.IsSpace))
	a.current = ""
}

func (a *Assembler) Reset() {
	a.current = ""
	a.completed = nil
}

func (a *Assembler) HasUncompletedSegment() bool {
	return strings.TrimSpace(a.current) != ""
}

// Segments returns a copy of the completed segments.
func (a *Assembler) Segments() []string {
	return append([]string(nil), a.completed...)
}

// FinalText joins completed segments and the open one.
func (a *Assembler) FinalText() string {
	pieces := a.completed
	if a.current != "" {
		pieces = append(append([]string(nil), a.completed...), a.current)
	}
	return Join(pieces)
}

// Join applies the boundary rule to every adjacent pair:
// CJK to CJK gets no space; after closing punctuation a space goes before
// anything but CJK; otherwise a space is kept only if the right piece
// started with one. The result has at most one space per boundary.
func Join(pieces []string) string {
	var result string
	for _, seg := range pieces {
		clean := strings.ReplaceAll(seg, EndToken, "")
		if result == "" {
			result = clean
			continue
		}

		left, lok := lastNonSpace(result)
		right, rok := firstNonSpace(clean)
		leadingSpace := clean != "" && unicode.IsSpace(firstRune(clean))

		space := false
		if lok && rok {
			lCJK, rCJK := IsCJK(left), IsCJK(right)
			switch {
			case lCJK && rCJK:
				space = false
			case strings.ContainsRune(closingPunctuation, left):
				space = !rCJK
			default:
				space = leadingSpace
			}
		}

		joined := strings.TrimRightFunc(result, unicode.IsSpace)
		if space {
			joined += " "
		}
		result = joined + strings.TrimLeftFunc(clean, unicode.IsSpace)
	}
	return strings.Trim(result, " \t")
}

// IsCJK reports whether r is a Han ideograph (unified, extensions A-F, or
// compatibility).
func IsCJK(r rune) bool {
	switch {
	case r >= 0x4E00 && r <= 0x9FFF,
		r >= 0x3400 && r <= 0x4DBF,
		r >= 0x20000 && r <= 0x2A6DF,
		r >= 0x2A700 && r <= 0x2B73F,
		r >= 0x2B740 && r <= 0x2B81F,
		r >= 0x2B820 && r <= 0x2CEAF,
		r >= 0xF900 && r <= 0xFAFF,
		r >= 0x2F800 && r <= 0x2FA1F:
		return true
	}
	return false
}

func firstRune(s string) rune {
	for _, r := range s {
		return r
	}
	return 0
}

func lastRune(s string) rune {
	rs := []rune(s)
	if len(rs) == 0 {
		return 0
	}
	return rs[len(rs)-1]
}

func firstNonSpace(s string) (rune, bool) {
	for _, r := range s {
		if !unicode.IsSpace(r) {
			return r, true
		}
	}
	return 0, false
}

func lastNonSpace(s string) (rune, bool) {
	rs := []rune(s)
	for i := len(rs) - 1; i >= 0; i-- {
		if !unicode.IsSpace(rs[i]) {
			return rs[i], true
		}
	}
	return 0, false
}
