package models

// Match status values stored on a recording. The zero value ("") maps to
// SQL NULL and means the recording is waiting in the pending queue.
const (
	StatusUnset         = ""
	StatusPending       = "pending"
	StatusFingerprinted = "fingerprinted"
	StatusMatched       = "matched"
	StatusTooShort      = "too_short"
	StatusFlag          = "flag"
)

// Recording is one row of the recordings table.
type Recording struct {
	ID                  string
	ExternalID          string // source video id (e.g. YouTube)
	ChannelID           string
	Title               string
	PublishedAt         string // RFC 3339, empty when unknown
	DurationSec         int
	MatchStatus         string
	OriginalRecordingID string
}

// Occurrence is a single (hash, t_ref) entry of a recording fingerprint
// as persisted in the index.
type Occurrence struct {
	Hash string
	TRef uint32
}

// Posting is one inverted-index entry for a hash.
type Posting struct {
	RecordingID string
	TRef        uint32
}

// Candidate is a scored match candidate for one (recording, offset) cell
// of the offset histogram.
type Candidate struct {
	RecordingID string
	Delta       int32
	Matches     uint32
}

// HashStats is the per-hash frequency profile maintained alongside the
// posting lists.
type HashStats struct {
	TotalCount     uint32
	RecordingCount uint32
}

// MatchParams controls candidate lookup in the index.
type MatchParams struct {
	IgnoreFraction  float64 // drop hashes in the top fraction by global count
	MinMatches      uint32  // minimum aligned matches per (recording, delta)
	MaxHitsPerHash  int     // drop hashes with more postings than this
	LimitCandidates int     // keep at most this many ranked candidates
}

// DefaultMatchParams returns the tuning used in production.
func DefaultMatchParams() MatchParams {
	return MatchParams{
		IgnoreFraction:  0.01,
		MinMatches:      6,
		MaxHitsPerHash:  1000,
		LimitCandidates: 50,
	}
}

// PendingCursor is the keyset position for paging through the pending
// queue, ordered by (duration desc, id desc).
type PendingCursor struct {
	DurationSec int
	ID          string
}
