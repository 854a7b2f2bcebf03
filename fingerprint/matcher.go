package fingerprint

import (
	"fmt"
	"sort"

	"speech-dedup/models"
)

// PostingSource is the capability set the matcher needs from an
// inverted index. Every store backend satisfies it, as does the
// in-memory index used in tests.
type PostingSource interface {
	// Lookup returns the posting lists for the given hashes. Backends
	// may cap each list at limit+1 entries; the matcher discards any
	// hash whose list exceeds limit. Hashes with no postings may be
	// absent from the result.
	Lookup(hashes []string, limit int) (map[string][]models.Posting, error)

	// HashTotals returns the global occurrence count of each hash.
	HashTotals(hashes []string) (map[string]uint32, error)

	// StopWordCutoff returns the total-count threshold above which a
	// hash ranks within the top ignoreFraction of all stored hashes.
	// ok is false when the index holds too few distinct hashes for the
	// fraction to name at least one.
	StopWordCutoff(ignoreFraction float64) (cutoff uint32, ok bool, err error)
}

type candidateKey struct {
	recordingID string
	delta       int32
}

// FindCandidates matches a query fingerprint against an inverted index
// and returns ranked candidate source recordings.
//
// Uninformative hashes are dropped first: those whose posting list
// exceeds MaxHitsPerHash, and those whose global frequency ranks within
// the top IgnoreFraction of all stored hashes. The survivors vote into
// an offset histogram keyed by (recording, tref - tquery); cells with at
// least MinMatches votes become candidates, ranked by matches descending
// with ties broken by recording id then delta so output is
// deterministic.
func FindCandidates(src PostingSource, query []models.Occurrence, params models.MatchParams) ([]models.Candidate, error) {
	if len(query) == 0 {
		return nil, nil
	}

	unique := make([]string, 0, len(query))
	seen := make(map[string]struct{}, len(query))
	for _, occ := range query {
		if _, ok := seen[occ.Hash]; ok {
			continue
		}
		seen[occ.Hash] = struct{}{}
		unique = append(unique, occ.Hash)
	}

	cutoff, suppress, err := src.StopWordCutoff(params.IgnoreFraction)
	if err != nil {
		return nil, fmt.Errorf("stop-word cutoff: %v", err)
	}

	kept := unique
	if suppress {
		totals, err := src.HashTotals(unique)
		if err != nil {
			return nil, fmt.Errorf("hash totals: %v", err)
		}
		// strictly above the boundary count: ties at the cutoff stay
		// informative (a uniform profile suppresses nothing)
		kept = kept[:0]
		for _, h := range unique {
			if totals[h] > cutoff {
				continue
			}
			kept = append(kept, h)
		}
	}
	if len(kept) == 0 {
		return nil, nil
	}

	postings, err := src.Lookup(kept, params.MaxHitsPerHash)
	if err != nil {
		return nil, fmt.Errorf("posting lookup: %v", err)
	}
	for h, list := range postings {
		if len(list) > params.MaxHitsPerHash {
			delete(postings, h)
		}
	}

	counts := make(map[candidateKey]uint32)
	for _, occ := range query {
		for _, p := range postings[occ.Hash] {
			key := candidateKey{
				recordingID: p.RecordingID,
				delta:       int32(p.TRef) - int32(occ.TRef),
			}
			counts[key]++
		}
	}

	candidates := make([]models.Candidate, 0, len(counts))
	for key, n := range counts {
		if n < params.MinMatches {
			continue
		}
		candidates = append(candidates, models.Candidate{
			RecordingID: key.recordingID,
			Delta:       key.delta,
			Matches:     n,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Matches != candidates[j].Matches {
			return candidates[i].Matches > candidates[j].Matches
		}
		if candidates[i].RecordingID != candidates[j].RecordingID {
			return candidates[i].RecordingID < candidates[j].RecordingID
		}
		return candidates[i].Delta < candidates[j].Delta
	})

	if len(candidates) > params.LimitCandidates {
		candidates = candidates[:params.LimitCandidates]
	}

	return candidates, nil
}

// MergeIntoTop folds candidates adjacent to the top-ranked one (same
// recording, offset within one frame) into it, summing their match
// counts. delta stays quantized in frames, so a true alignment often
// splits across two neighboring cells; merging runs only against the
// top candidate, not transitively.
func MergeIntoTop(candidates []models.Candidate) (models.Candidate, bool) {
	if len(candidates) == 0 {
		return models.Candidate{}, false
	}

	top := candidates[0]
	for _, c := range candidates[1:] {
		if c.RecordingID != top.RecordingID {
			continue
		}
		d := c.Delta - top.Delta
		if d >= -1 && d <= 1 {
			top.Matches += c.Matches
		}
	}

	return top, true
}
