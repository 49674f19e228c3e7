// Package alert defines the stored alert record and the pure functions that
// derive its identity and detail keywords from a feed entry.
package alert

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/greencoder/noaa-alerts-pushover/internal/geo"
)

// ErrAlreadyMatched is returned by SetMatch when the record already has a region.
var ErrAlreadyMatched = errors.New("alert: matched region already set")

// Record is a persisted alert. All fields except MatchedRegion are written
// once at insert time and never updated.
type Record struct {
	Identity       string    `json:"identity"`
	Title          string    `json:"title"`
	EventType      string    `json:"event_type"`
	DetailKeywords []string  `json:"detail_keywords,omitempty"`
	ExpiresAt      time.Time `json:"expires_at"`
	ExpiresEpoch   int64     `json:"expires_epoch"`
	SourceURL      string    `json:"source_url"`
	DetailAPIURL   string    `json:"detail_api_url"`
	FIPSCodes      []string  `json:"fips_codes"`
	UGCCodes       []string  `json:"ugc_codes"`
	RunMarker      string    `json:"run_marker"`
	CreatedAt      time.Time `json:"created_at"`

	// MatchedRegion is derived during the run that created the record; it is
	// not persisted.
	MatchedRegion *geo.Region `json:"matched_region,omitempty"`
}

// SetMatch records the region the alert resolved to. It may be called at most once.
func (r *Record) SetMatch(region geo.Region) error {
	if r.MatchedRegion != nil {
		return ErrAlreadyMatched
	}
	r.MatchedRegion = &region
	return nil
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	cp := *r
	cp.DetailKeywords = cloneStrings(r.DetailKeywords)
	cp.FIPSCodes = cloneStrings(r.FIPSCodes)
	cp.UGCCodes = cloneStrings(r.UGCCodes)
	if r.MatchedRegion != nil {
		region := *r.MatchedRegion
		cp.MatchedRegion = &region
	}
	return &cp
}

// Identity returns the dedup key for a feed entry id: the hex SHA-256 digest.
func Identity(sourceID string) string {
	sum := sha256.Sum256([]byte(sourceID))
	return hex.EncodeToString(sum[:])
}

// SetExpiry stores t as the record's UTC expiry instant and epoch seconds.
func (r *Record) SetExpiry(t time.Time) {
	r.ExpiresAt = t.UTC()
	r.ExpiresEpoch = t.Unix()
}

// ShortID returns the last five characters of the identity.
func (r *Record) ShortID() string {
	if len(r.Identity) <= 5 {
		return r.Identity
	}
	return r.Identity[len(r.Identity)-5:]
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}

// statementEvents are the event types whose summaries are scanned for keywords.
var statementEvents = map[string]struct{}{
	"Severe Weather Statement":  {},
	"Special Weather Statement": {},
}

// keywordVocabulary is scanned in order; output order follows it.
var keywordVocabulary = []string{
	"Thunderstorm",
	"Strong Storm",
	"Wind",
	"Rain",
	"Hail",
	"Tornado",
	"Flood",
}

// IsStatement reports whether eventType is a generic weather statement.
func IsStatement(eventType string) bool {
	_, ok := statementEvents[eventType]
	return ok
}

// ExtractKeywords returns the vocabulary terms found in summary (case
// insensitive substring match) for statement events. Other event types
// yield nil.
func ExtractKeywords(eventType, summary string) []string {
	if !IsStatement(eventType) || summary == "" {
		return nil
	}
	upper := strings.ToUpper(summary)
	var out []string
	for _, kw := range keywordVocabulary {
		if strings.Contains(upper, strings.ToUpper(kw)) {
			out = append(out, kw)
		}
	}
	return out
}
