package chat

import (
	"regexp"
	"strings"
	"unicode"

	lua "github.com/yuin/gopher-lua"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/cory-johannsen/highwizardry/internal/scripting"
)

// Filter transforms a message or drops it by returning false.
type Filter interface {
	Name() string
	Apply(channel Channel, sender Sender, text string) (string, bool)
}

// Filter names accepted in configuration.
const (
	FilterProfanity = "profanity"
	FilterLinks     = "links"
	FilterCaps      = "caps"
	FilterRepeats   = "repeats"
)

var fold = cases.Fold()

// ProfanityFilter masks blocked words with asterisks.
type ProfanityFilter struct {
	blocked map[string]struct{}
}

// NewProfanityFilter builds a filter for words, compared case-insensitively.
func NewProfanityFilter(words []string) *ProfanityFilter {
	f := &ProfanityFilter{blocked: make(map[string]struct{}, len(words))}
	for _, w := range words {
		if w = strings.TrimSpace(w); w != "" {
			f.blocked[fold.String(w)] = struct{}{}
		}
	}
	return f
}

func (f *ProfanityFilter) Name() string { return FilterProfanity }

func (f *ProfanityFilter) Apply(_ Channel, _ Sender, text string) (string, bool) {
	if len(f.blocked) == 0 {
		return text, true
	}
	var out strings.Builder
	var word []rune
	flush := func() {
		if len(word) == 0 {
			return
		}
		if _, bad := f.blocked[fold.String(string(word))]; bad {
			out.WriteString(strings.Repeat("*", len(word)))
		} else {
			out.WriteString(string(word))
		}
		word = word[:0]
	}
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			word = append(word, r)
			continue
		}
		flush()
		out.WriteRune(r)
	}
	flush()
	return out.String(), true
}

var linkPattern = regexp.MustCompile(`(?i)\b(?:https?://|www\.)\S+|\b[a-z0-9-]+\.(?:com|net|org|io|gg|xyz|ru)\b\S*`)

// LinkFilter replaces URLs and bare domains.
type LinkFilter struct{}

func (LinkFilter) Name() string { return FilterLinks }

func (LinkFilter) Apply(_ Channel, _ Sender, text string) (string, bool) {
	return linkPattern.ReplaceAllString(text, "[link removed]"), true
}

// CapsFilter lowercases messages that are mostly capital letters.
type CapsFilter struct {
	// MinLetters is the shortest message the filter considers.
	MinLetters int
	// Ratio is the share of uppercase letters that triggers it.
	Ratio float64
}

func (CapsFilter) Name() string { return FilterCaps }

func (f CapsFilter) Apply(_ Channel, _ Sender, text string) (string, bool) {
	letters, upper := 0, 0
	for _, r := range text {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	if letters < f.MinLetters || float64(upper) <= f.Ratio*float64(letters) {
		return text, true
	}
	return cases.Lower(language.Und).String(text), true
}

// RepeatFilter collapses runs of one character longer than Max.
type RepeatFilter struct {
	Max int
}

func (RepeatFilter) Name() string { return FilterRepeats }

func (f RepeatFilter) Apply(_ Channel, _ Sender, text string) (string, bool) {
	var out strings.Builder
	var prev rune
	run := 0
	for i, r := range text {
		if i > 0 && r == prev {
			run++
		} else {
			run = 1
		}
		prev = r
		if run <= f.Max {
			out.WriteRune(r)
		}
	}
	return out.String(), true
}

// ScriptFilter calls on_chat(channel, username, text) in the loaded script.
// A false result drops the message, a string replaces it, anything else keeps
// it. Script failures keep the message unchanged.
type ScriptFilter struct {
	Hooks *scripting.Hooks
}

func (ScriptFilter) Name() string { return "script" }

func (f ScriptFilter) Apply(channel Channel, sender Sender, text string) (string, bool) {
	ret, err := f.Hooks.Call("on_chat", lua.LString(channel), lua.LString(sender.Username), lua.LString(text))
	if err != nil {
		return text, true
	}
	switch v := ret.(type) {
	case lua.LBool:
		return text, bool(v)
	case lua.LString:
		return string(v), true
	default:
		return text, true
	}
}

func buildFilters(names, blocked []string) []Filter {
	var filters []Filter
	for _, name := range names {
		switch name {
		case FilterProfanity:
			filters = append(filters, NewProfanityFilter(blocked))
		case FilterLinks:
			filters = append(filters, LinkFilter{})
		case FilterCaps:
			filters = append(filters, CapsFilter{MinLetters: 8, Ratio: 0.7})
		case FilterRepeats:
			filters = append(filters, RepeatFilter{Max: 3})
		}
	}
	return filters
}
