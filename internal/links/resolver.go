// Package links merges document-native hyperlink spans with knowledge-base
// entity matches and injects them into Markdown without corrupting existing
// link syntax.
package links

import (
	"sort"
	"strings"
	"unicode/utf8"
)

// Span marks a hyperlink over text[Start:End).
type Span struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	URL   string `json:"url"`
}

// Candidate priorities. Lower wins conflicts.
const (
	priorityEmbedded = iota
	priorityKnowledge
)

type candidate struct {
	Span
	priority int
}

// Resolve merges embedded hyperlink spans with knowledge-base entity matches
// into a single non-overlapping substitution set and rewrites text with
// Markdown links, returning the rewritten text and the number of links
// applied.
//
// Embedded spans outrank knowledge-base matches. Among equal priority the
// earliest-starting, then longest candidate wins; losers are discarded
// entirely. Candidates that touch an existing bracket construct are
// rejected. Resolution never fails: with no usable candidates the text is
// returned unchanged.
func Resolve(text string, embedded []Span, kb *KnowledgeBase) (string, int) {
	if text == "" {
		return text, 0
	}

	candidates := make([]candidate, 0, len(embedded))
	for _, span := range embedded {
		if !validSpan(text, span) {
			continue
		}
		candidates = append(candidates, candidate{Span: span, priority: priorityEmbedded})
	}

	if kb != nil {
		for _, span := range kb.Matches(text) {
			candidates = append(candidates, candidate{Span: span, priority: priorityKnowledge})
		}
	}

	if len(candidates) == 0 {
		return text, 0
	}

	// Reject candidates inside brackets, or carrying brackets of their own.
	blocked := blockedPrefix(text)
	filtered := candidates[:0]
	for _, c := range candidates {
		if blocked[c.End]-blocked[c.Start] > 0 {
			continue
		}
		if strings.ContainsAny(text[c.Start:c.End], "[]()") {
			continue
		}
		filtered = append(filtered, c)
	}

	// Stronger candidates claim their spans first; anything overlapping an
	// accepted span is discarded.
	sort.SliceStable(filtered, func(i, j int) bool {
		a, b := filtered[i], filtered[j]
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		return a.End-a.Start > b.End-b.Start
	})

	var accepted []candidate
	for _, c := range filtered {
		if overlapsAny(accepted, c) {
			continue
		}
		accepted = append(accepted, c)
	}

	// Apply right to left so earlier offsets stay valid while rewriting.
	sort.Slice(accepted, func(i, j int) bool { return accepted[i].Start > accepted[j].Start })
	for _, c := range accepted {
		text = text[:c.Start] + "[" + text[c.Start:c.End] + "](" + c.URL + ")" + text[c.End:]
	}

	return text, len(accepted)
}

// blockedPrefix scans text once, tracking square and parenthesis depth, and
// returns prefix counts of positions that sit inside either construct. The
// bracket characters themselves count as inside.
func blockedPrefix(text string) []int {
	prefix := make([]int, len(text)+1)
	square, paren := 0, 0

	for i := 0; i < len(text); i++ {
		inside := 0
		switch text[i] {
		case '[':
			square++
			inside = 1
		case ']':
			if square > 0 {
				square--
				inside = 1
			}
		case '(':
			paren++
			inside = 1
		case ')':
			if paren > 0 {
				paren--
				inside = 1
			}
		default:
			if square > 0 || paren > 0 {
				inside = 1
			}
		}
		prefix[i+1] = prefix[i] + inside
	}

	return prefix
}

// validSpan checks offsets are in range, non-empty, rune-aligned, and carry
// a target URL.
func validSpan(text string, s Span) bool {
	if s.URL == "" || s.Start < 0 || s.End > len(text) || s.Start >= s.End {
		return false
	}
	if !utf8.RuneStart(text[s.Start]) {
		return false
	}
	if s.End < len(text) && !utf8.RuneStart(text[s.End]) {
		return false
	}
	return true
}

func overlapsAny(accepted []candidate, c candidate) bool {
	for _, a := range accepted {
		if c.Start < a.End && a.Start < c.End {
			return true
		}
	}
	return false
}
