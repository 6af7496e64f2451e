package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprints partition the cache keyspace per correspondent: the same
// question from two correspondents must never share a cached reply, because
// replies are generated against private memory snapshots. Text is
// normalized (lowercased, whitespace collapsed) so trivial retypes of the
// same message still hit.

// ReplyFingerprint returns the cache key for a generated reply to text from
// the given correspondent.
func ReplyFingerprint(correspondentID, text string) string {
	return "reply:" + digest(correspondentID, text)
}

// ArtifactFingerprint returns the cache key for a produced artifact
// requested by the given correspondent.
func ArtifactFingerprint(correspondentID, request string) string {
	return "artifact:" + digest(correspondentID, request)
}

func digest(correspondentID, text string) string {
	h := sha256.New()
	h.Write([]byte(correspondentID))
	h.Write([]byte{0})
	h.Write([]byte(normalizeText(text)))
	return hex.EncodeToString(h.Sum(nil))
}

// normalizeText lowercases s and collapses runs of whitespace to single
// spaces.
func normalizeText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
