package app

import (
	"context"
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"

	"github.com/bdobrica/kioku/internal/kioku/memory"
)

// LocalGenerator is a deterministic reply generator that needs no external
// service. It extracts simple self-descriptions ("my name is ...", "I live
// in ...") into durable facts and answers recall questions from the memory
// snapshot, so the whole pipeline can be exercised offline. Replies are
// chosen by hashing the inbound text; the same message always gets the
// same reply.
type LocalGenerator struct {
	namePattern     *regexp.Regexp
	locationPattern *regexp.Regexp
	likePattern     *regexp.Regexp
}

// NewLocalGenerator compiles the extraction patterns.
func NewLocalGenerator() *LocalGenerator {
	return &LocalGenerator{
		namePattern:     regexp.MustCompile(`(?i)\b(?:my name is|i am called|call me)\s+([\p{L}][\p{L}\p{N}_-]*)`),
		locationPattern: regexp.MustCompile(`(?i)\b(?:i live in|i am from|i'm from)\s+([\p{L}][\p{L}\p{N} _-]*?)(?:[.,!?]|$)`),
		likePattern:     regexp.MustCompile(`(?i)\bi (?:like|love|enjoy)\s+([\p{L}][\p{L}\p{N} _-]*?)(?:[.,!?]|$)`),
	}
}

var ackReplies = []string{
	"Got it.",
	"Noted.",
	"I see.",
	"Understood.",
	"Alright.",
}

var questionReplies = []string{
	"Good question. Tell me more and I'll keep track.",
	"I'm not sure yet, but I'll remember you asked.",
	"Let me think about that one.",
}

// Generate inspects the inbound text, pulls out any durable facts, and
// produces a short reply. It never fails; the error return exists to
// satisfy the interface.
func (g *LocalGenerator) Generate(_ context.Context, snap memory.Snapshot, inbound string) (string, map[string]string, error) {
	facts := g.extractFacts(inbound)
	lower := strings.ToLower(inbound)

	switch {
	case facts["name"] != "":
		return fmt.Sprintf("Nice to meet you, %s.", facts["name"]), facts, nil

	case facts["location"] != "":
		return fmt.Sprintf("%s sounds like a nice place.", strings.TrimSpace(facts["location"])), facts, nil

	case isRecall(lower, "name"):
		if name := snap.Facts["name"]; name != "" {
			return fmt.Sprintf("Of course, you're %s.", name), facts, nil
		}
		return "You haven't told me your name yet.", facts, nil

	case isRecall(lower, "location"):
		if loc := snap.Facts["location"]; loc != "" {
			return fmt.Sprintf("You told me you live in %s.", loc), facts, nil
		}
		return "You haven't told me where you live yet.", facts, nil

	case isGreeting(lower):
		if name := snap.Facts["name"]; name != "" {
			return fmt.Sprintf("Hello again, %s!", name), facts, nil
		}
		return "Hello! What's on your mind?", facts, nil

	case strings.HasSuffix(strings.TrimSpace(inbound), "?"):
		if topics := snap.Profile.DominantTopics(1); len(topics) > 0 {
			return fmt.Sprintf("%s Lately we've mostly talked about %s.",
				pick(questionReplies, inbound), topics[0]), facts, nil
		}
		return pick(questionReplies, inbound), facts, nil

	default:
		return pick(ackReplies, inbound), facts, nil
	}
}

// extractFacts pulls name, location and likes out of self-descriptions.
func (g *LocalGenerator) extractFacts(text string) map[string]string {
	facts := make(map[string]string)
	if m := g.namePattern.FindStringSubmatch(text); m != nil {
		facts["name"] = m[1]
	}
	if m := g.locationPattern.FindStringSubmatch(text); m != nil {
		facts["location"] = strings.TrimSpace(m[1])
	}
	if m := g.likePattern.FindStringSubmatch(text); m != nil {
		facts["likes"] = strings.TrimSpace(m[1])
	}
	return facts
}

// isRecall reports whether the message asks the bot to recall the given
// fact, e.g. "do you remember my name?" or "where do I live?".
func isRecall(lower, fact string) bool {
	switch fact {
	case "name":
		return strings.Contains(lower, "my name") &&
			(strings.Contains(lower, "remember") || strings.Contains(lower, "what"))
	case "location":
		return strings.Contains(lower, "where") &&
			(strings.Contains(lower, "i live") || strings.Contains(lower, "am i from") ||
				strings.Contains(lower, "do i live"))
	}
	return false
}

func isGreeting(lower string) bool {
	fields := strings.Fields(lower)
	if len(fields) == 0 {
		return false
	}
	switch strings.Trim(fields[0], ".,!?") {
	case "hello", "hi", "hey":
		return true
	case "good":
		if len(fields) > 1 {
			switch strings.Trim(fields[1], ".,!?") {
			case "morning", "afternoon", "evening":
				return true
			}
		}
	}
	return false
}

// pick selects a reply deterministically from choices by hashing seed.
func pick(choices []string, seed string) string {
	h := fnv.New32a()
	h.Write([]byte(seed))
	return choices[h.Sum32()%uint32(len(choices))]
}
