package memory

import (
	"fmt"
	"regexp"
	"strings"

	"spaceduck/internal/store"
)

// Memory kinds.
const (
	KindFact       = "fact"
	KindPreference = "preference"
)

// Slots are conflict keys: a new record in an occupied slot supersedes the
// old one atomically at insert.
const (
	SlotUserName     = "user.name"
	SlotUserLocation = "user.location"
	SlotUserEmployer = "user.employer"
	SlotUserTimezone = "user.timezone"
)

type rule struct {
	pattern    *regexp.Regexp
	kind       string
	slot       string
	title      string
	template   string // %s receives the first capture
	confidence float64
	fromUser   bool // match user text only
}

var rules = []rule{
	{
		pattern:    regexp.MustCompile(`(?i)\bmy name(?:'s| is) ([\p{L}][\p{L}'-]*(?: [\p{L}][\p{L}'-]*)?)`),
		kind:       KindFact,
		slot:       SlotUserName,
		title:      "User's name",
		template:   "The user's name is %s.",
		confidence: 0.9,
		fromUser:   true,
	},
	{
		pattern:    regexp.MustCompile(`(?i)\bcall me ([\p{L}][\p{L}'-]*)`),
		kind:       KindFact,
		slot:       SlotUserName,
		title:      "User's name",
		template:   "The user goes by %s.",
		confidence: 0.8,
		fromUser:   true,
	},
	{
		pattern:    regexp.MustCompile(`(?i)\bi live in ([\p{L}][\p{L} ,.'-]*)`),
		kind:       KindFact,
		slot:       SlotUserLocation,
		title:      "User's location",
		template:   "The user lives in %s.",
		confidence: 0.8,
		fromUser:   true,
	},
	{
		pattern:    regexp.MustCompile(`(?i)\bi work (?:at|for) ([\p{L}][\p{L}\d &.'-]*)`),
		kind:       KindFact,
		slot:       SlotUserEmployer,
		title:      "User's employer",
		template:   "The user works at %s.",
		confidence: 0.8,
		fromUser:   true,
	},
	{
		pattern:    regexp.MustCompile(`(?i)\bmy timezone is ([\w/+-]+)`),
		kind:       KindFact,
		slot:       SlotUserTimezone,
		title:      "User's timezone",
		template:   "The user's timezone is %s.",
		confidence: 0.8,
		fromUser:   true,
	},
	{
		pattern:    regexp.MustCompile(`(?i)\bi (?:really )?(?:like|love|prefer|enjoy) ([^\n.!?]+)`),
		kind:       KindPreference,
		title:      "User preference",
		template:   "The user likes %s.",
		confidence: 0.6,
		fromUser:   true,
	},
	{
		pattern:    regexp.MustCompile(`(?i)\b(?:please )?remember (?:that )?([^\n]+)`),
		kind:       KindFact,
		title:      "Noted fact",
		template:   "%s",
		confidence: 0.7,
		fromUser:   true,
	},
}

// Extract runs the heuristic rules over a completed turn and returns
// candidate records. Callers filter by confidence and persist.
func Extract(userText, assistantText string) []store.MemoryRecord {
	var out []store.MemoryRecord
	seen := make(map[string]bool)

	for _, r := range rules {
		text := userText
		if !r.fromUser {
			text = assistantText
		}
		if text == "" {
			continue
		}
		m := r.pattern.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		capture := strings.TrimSpace(strings.TrimRight(m[1], " .,"))
		if capture == "" {
			continue
		}
		content := fmt.Sprintf(r.template, capture)
		key := r.slot + "|" + strings.ToLower(content)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, store.MemoryRecord{
			Kind:       r.kind,
			Title:      r.title,
			Content:    content,
			Slot:       r.slot,
			Confidence: r.confidence,
		})
	}
	return out
}
