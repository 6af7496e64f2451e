package memory

import "time"

// Exchange is one inbound/outbound message pair.
type Exchange struct {
	Inbound  string    `json:"inbound"`
	Outbound string    `json:"outbound"`
	At       time.Time `json:"at"`
}

// Record is everything remembered about one correspondent: the bounded
// short-term exchange window, durable long-term facts and the derived
// profile. Records are created lazily on first contact and dropped only by
// the explicit eviction path.
type Record struct {
	CorrespondentID string            `json:"correspondent_id"`
	ShortTerm       []Exchange        `json:"short_term"`
	LongTerm        map[string]string `json:"long_term"`
	Profile         Profile           `json:"profile"`
	LastActivity    time.Time         `json:"last_activity"`
}

// Snapshot is the read-only composite handed to reply generation: a deep
// copy of the record taken under the correspondent's lock, so it never
// observes a partial commit and can be read without further locking.
type Snapshot struct {
	CorrespondentID string            `json:"correspondent_id"`
	ShortTerm       []Exchange        `json:"short_term"`
	Facts           map[string]string `json:"facts"`
	Profile         Profile           `json:"profile"`
	LastActivity    time.Time         `json:"last_activity"`
}

// copyRecord deep-copies rec so callers can hand it out without aliasing
// live state.
func copyRecord(rec *Record) Record {
	out := Record{
		CorrespondentID: rec.CorrespondentID,
		ShortTerm:       append([]Exchange(nil), rec.ShortTerm...),
		LongTerm:        copyStringMap(rec.LongTerm),
		Profile:         rec.Profile.copy(),
		LastActivity:    rec.LastActivity,
	}
	return out
}

func copyStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
