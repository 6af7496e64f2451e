package memory

import (
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// Profile is the derived aggregate over a correspondent's inbound traffic.
// It is recomputed incrementally on every commit, never from scratch.
type Profile struct {
	MessageCount int            `json:"message_count"`
	FirstSeen    time.Time      `json:"first_seen"`
	AvgSentiment float64        `json:"avg_sentiment"`
	AvgLength    float64        `json:"avg_message_length"`
	Sentiments   map[string]int `json:"sentiments,omitempty"`
	Topics       map[string]int `json:"topics,omitempty"`
	MessageTypes map[string]int `json:"message_types,omitempty"`
	Hourly       [24]int        `json:"hourly"`
}

// Message type labels, checked in this order: a question mark beats a
// greeting opener, a greeting beats a command verb.
const (
	typeQuestion  = "question"
	typeGreeting  = "greeting"
	typeCommand   = "command"
	typeComplaint = "complaint"
	typeGeneral   = "general"
)

// Sentiment labels for the per-polarity counters.
const (
	sentimentPositive = "positive"
	sentimentNegative = "negative"
	sentimentNeutral  = "neutral"
)

var positiveWords = map[string]struct{}{
	"good": {}, "great": {}, "awesome": {}, "excellent": {}, "happy": {},
	"love": {}, "nice": {}, "wonderful": {}, "thanks": {}, "thank": {},
	"perfect": {}, "amazing": {}, "fun": {}, "cool": {}, "glad": {},
}

var negativeWords = map[string]struct{}{
	"bad": {}, "terrible": {}, "awful": {}, "sad": {}, "hate": {},
	"angry": {}, "horrible": {}, "annoying": {}, "wrong": {}, "broken": {},
	"worst": {}, "boring": {}, "tired": {}, "sorry": {}, "problem": {},
}

var topicKeywords = map[string][]string{
	"technology":    {"ai", "bot", "computer", "internet", "app", "software", "code", "programming"},
	"personal":      {"friend", "family", "personal", "life", "home"},
	"work":          {"work", "job", "office", "business", "company", "career"},
	"entertainment": {"game", "movie", "music", "fun", "entertainment", "show"},
	"education":     {"study", "school", "university", "education", "learn", "knowledge"},
	"health":        {"health", "sick", "doctor", "medicine", "sleep", "exercise"},
	"food":          {"food", "eat", "restaurant", "cooking", "dinner", "lunch"},
	"travel":        {"travel", "trip", "vacation", "flight", "hotel"},
}

var questionLeads = []string{
	"who", "what", "when", "where", "why", "how", "which",
	"is", "are", "can", "could", "do", "does", "did", "will", "would", "should",
}

var greetingTimes = map[string]bool{
	"morning": true, "afternoon": true, "evening": true,
}

var commandLeads = []string{
	"help", "make", "create", "generate", "show", "draw", "please",
}

var complaintWords = map[string]struct{}{
	"wrong": {}, "bad": {}, "terrible": {}, "awful": {}, "broken": {},
	"error": {}, "bug": {}, "lag": {}, "slow": {},
}

// observe folds one inbound message into the aggregates.
func (p *Profile) observe(text string, at time.Time) {
	p.MessageCount++
	if p.FirstSeen.IsZero() {
		p.FirstSeen = at.UTC()
	}

	s := sentimentScore(text)
	p.AvgSentiment += (s - p.AvgSentiment) / float64(p.MessageCount)
	if p.Sentiments == nil {
		p.Sentiments = make(map[string]int)
	}
	p.Sentiments[sentimentLabel(s)]++

	length := float64(utf8.RuneCountInString(text))
	p.AvgLength += (length - p.AvgLength) / float64(p.MessageCount)

	if p.Topics == nil {
		p.Topics = make(map[string]int)
	}
	for _, topic := range matchTopics(text) {
		p.Topics[topic]++
	}

	if p.MessageTypes == nil {
		p.MessageTypes = make(map[string]int)
	}
	p.MessageTypes[classifyMessage(text)]++

	p.Hourly[at.UTC().Hour()]++
}

// DominantTopics returns up to n topics by mention count, ties broken
// alphabetically so the ordering is stable.
func (p *Profile) DominantTopics(n int) []string {
	topics := make([]string, 0, len(p.Topics))
	for topic := range p.Topics {
		topics = append(topics, topic)
	}
	sort.Slice(topics, func(i, j int) bool {
		if p.Topics[topics[i]] != p.Topics[topics[j]] {
			return p.Topics[topics[i]] > p.Topics[topics[j]]
		}
		return topics[i] < topics[j]
	})
	if len(topics) > n {
		topics = topics[:n]
	}
	return topics
}

// MostActiveHour returns the UTC hour with the most messages, or -1 when
// nothing has been observed yet. Ties resolve to the earliest hour.
func (p *Profile) MostActiveHour() int {
	best, bestCount := -1, 0
	for hour, count := range p.Hourly {
		if count > bestCount {
			best, bestCount = hour, count
		}
	}
	return best
}

func (p Profile) copy() Profile {
	out := p
	out.Sentiments = copyIntMap(p.Sentiments)
	out.Topics = copyIntMap(p.Topics)
	out.MessageTypes = copyIntMap(p.MessageTypes)
	return out
}

func copyIntMap(m map[string]int) map[string]int {
	if m == nil {
		return nil
	}
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// sentimentScore rates text in [-1,1] from lexicon hits: the balance of
// positive versus negative words over all matched words.
func sentimentScore(text string) float64 {
	var pos, neg int
	for _, w := range tokenize(text) {
		if _, ok := positiveWords[w]; ok {
			pos++
		}
		if _, ok := negativeWords[w]; ok {
			neg++
		}
	}
	if pos+neg == 0 {
		return 0
	}
	return float64(pos-neg) / float64(pos+neg)
}

// sentimentLabel buckets a polarity score; the dead zone around zero
// counts as neutral.
func sentimentLabel(s float64) string {
	switch {
	case s > 0.1:
		return sentimentPositive
	case s < -0.1:
		return sentimentNegative
	default:
		return sentimentNeutral
	}
}

func matchTopics(text string) []string {
	words := make(map[string]struct{})
	for _, w := range tokenize(text) {
		words[w] = struct{}{}
	}
	var topics []string
	for topic, keywords := range topicKeywords {
		for _, kw := range keywords {
			if _, ok := words[kw]; ok {
				topics = append(topics, topic)
				break
			}
		}
	}
	return topics
}

func classifyMessage(text string) string {
	trimmed := strings.TrimSpace(text)
	tokens := tokenize(trimmed)

	if strings.HasSuffix(trimmed, "?") {
		return typeQuestion
	}
	if len(tokens) > 0 {
		for _, lead := range questionLeads {
			if tokens[0] == lead {
				return typeQuestion
			}
		}
	}
	if len(tokens) > 0 {
		switch tokens[0] {
		case "hi", "hello", "hey":
			return typeGreeting
		case "good":
			if len(tokens) > 1 && greetingTimes[tokens[1]] {
				return typeGreeting
			}
		}
	}
	if len(tokens) > 0 {
		for _, lead := range commandLeads {
			if tokens[0] == lead {
				return typeCommand
			}
		}
	}
	for _, w := range tokens {
		if _, ok := complaintWords[w]; ok {
			return typeComplaint
		}
	}
	return typeGeneral
}

// tokenize lowercases and splits on non-letter/digit runs.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
}
