package fingerprint

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"speech-dedup/models"
)

// stubSource is a minimal PostingSource for matcher tests.
type stubSource struct {
	postings map[string][]models.Posting
	totals   map[string]uint32
	cutoff   uint32
	suppress bool
}

func newStubSource() *stubSource {
	return &stubSource{
		postings: map[string][]models.Posting{},
		totals:   map[string]uint32{},
	}
}

func (s *stubSource) add(recordingID string, fp []models.Occurrence) {
	for _, occ := range fp {
		s.postings[occ.Hash] = append(s.postings[occ.Hash], models.Posting{
			RecordingID: recordingID,
			TRef:        occ.TRef,
		})
		s.totals[occ.Hash]++
	}
}

func (s *stubSource) Lookup(hashes []string, limit int) (map[string][]models.Posting, error) {
	out := map[string][]models.Posting{}
	for _, h := range hashes {
		if list, ok := s.postings[h]; ok {
			if len(list) > limit+1 {
				list = list[:limit+1]
			}
			out[h] = list
		}
	}
	return out, nil
}

func (s *stubSource) HashTotals(hashes []string) (map[string]uint32, error) {
	out := map[string]uint32{}
	for _, h := range hashes {
		if total, ok := s.totals[h]; ok {
			out[h] = total
		}
	}
	return out, nil
}

func (s *stubSource) StopWordCutoff(float64) (uint32, bool, error) {
	return s.cutoff, s.suppress, nil
}

func occurrenceRun(prefix string, n int, startFrame uint32) []models.Occurrence {
	fp := make([]models.Occurrence, n)
	for i := range fp {
		fp[i] = models.Occurrence{
			Hash: fmt.Sprintf("%s%015d", prefix, i),
			TRef: startFrame + uint32(i)*3,
		}
	}
	return fp
}

func TestFindCandidatesSelfMatch(t *testing.T) {
	src := newStubSource()
	fp := occurrenceRun("aaaaa", 120, 0)
	src.add("rec-1", fp)

	candidates, err := FindCandidates(src, fp, models.DefaultMatchParams())
	require.NoError(t, err)
	require.NotEmpty(t, candidates)

	top := candidates[0]
	assert.Equal(t, "rec-1", top.RecordingID)
	assert.Equal(t, int32(0), top.Delta)
	assert.Equal(t, uint32(len(fp)), top.Matches)
}

func TestFindCandidatesReportsOffset(t *testing.T) {
	src := newStubSource()
	// stored copy sits 500 frames later than the query
	src.add("rec-1", occurrenceRun("aaaaa", 120, 500))

	query := occurrenceRun("aaaaa", 120, 0)
	candidates, err := FindCandidates(src, query, models.DefaultMatchParams())
	require.NoError(t, err)
	require.NotEmpty(t, candidates)
	assert.Equal(t, int32(500), candidates[0].Delta)
	assert.Equal(t, uint32(120), candidates[0].Matches)
}

func TestFindCandidatesMinMatches(t *testing.T) {
	src := newStubSource()
	src.add("rec-1", occurrenceRun("aaaaa", 5, 0)) // below min_matches=6

	candidates, err := FindCandidates(src, occurrenceRun("aaaaa", 5, 0), models.DefaultMatchParams())
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestFindCandidatesMonotonicity(t *testing.T) {
	src := newStubSource()
	query := occurrenceRun("aaaaa", 50, 0)
	src.add("rec-1", query)

	params := models.DefaultMatchParams()
	before, err := FindCandidates(src, query, params)
	require.NoError(t, err)

	// more postings for rec-1 at the same offset can only help
	src.add("rec-1", occurrenceRun("bbbbb", 30, 0))
	query2 := append(append([]models.Occurrence{}, query...), occurrenceRun("bbbbb", 30, 0)...)

	after, err := FindCandidates(src, query2, params)
	require.NoError(t, err)

	require.NotEmpty(t, before)
	require.NotEmpty(t, after)
	assert.GreaterOrEqual(t, after[0].Matches, before[0].Matches)
}

func TestFindCandidatesTieBreakByRecordingID(t *testing.T) {
	src := newStubSource()
	fp := occurrenceRun("aaaaa", 40, 0)
	src.add("rec-b", fp)
	src.add("rec-a", fp)

	candidates, err := FindCandidates(src, fp, models.DefaultMatchParams())
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	assert.Equal(t, candidates[0].Matches, candidates[1].Matches)
	assert.Equal(t, "rec-a", candidates[0].RecordingID)
	assert.Equal(t, "rec-b", candidates[1].RecordingID)
}

func TestFindCandidatesDropsTooCommonHashes(t *testing.T) {
	src := newStubSource()
	query := occurrenceRun("aaaaa", 20, 0)
	src.add("rec-1", query)

	params := models.DefaultMatchParams()
	params.MaxHitsPerHash = 3
	params.MinMatches = 1

	// blow one hash past the cap with unrelated recordings
	for i := 0; i < 10; i++ {
		src.postings[query[0].Hash] = append(src.postings[query[0].Hash],
			models.Posting{RecordingID: fmt.Sprintf("noise-%d", i), TRef: uint32(i)})
	}

	candidates, err := FindCandidates(src, query, params)
	require.NoError(t, err)
	require.NotEmpty(t, candidates)

	// rec-1 lost exactly the dropped hash's vote
	assert.Equal(t, "rec-1", candidates[0].RecordingID)
	assert.Equal(t, uint32(19), candidates[0].Matches)
}

func TestFindCandidatesStopWordSuppression(t *testing.T) {
	src := newStubSource()
	query := occurrenceRun("aaaaa", 20, 0)
	src.add("rec-1", query)

	params := models.DefaultMatchParams()
	params.MinMatches = 1

	// mark one query hash as globally too frequent
	src.suppress = true
	src.cutoff = 500
	src.totals[query[3].Hash] = 501 // strictly above the cutoff -> suppressed

	candidates, err := FindCandidates(src, query, params)
	require.NoError(t, err)
	require.NotEmpty(t, candidates)
	assert.Equal(t, uint32(19), candidates[0].Matches)
}

func TestFindCandidatesLimit(t *testing.T) {
	src := newStubSource()
	fp := occurrenceRun("aaaaa", 10, 0)
	for i := 0; i < 8; i++ {
		src.add(fmt.Sprintf("rec-%d", i), fp)
	}

	params := models.DefaultMatchParams()
	params.MinMatches = 1
	params.LimitCandidates = 3

	candidates, err := FindCandidates(src, fp, params)
	require.NoError(t, err)
	assert.Len(t, candidates, 3)
}

func TestFindCandidatesEmptyQuery(t *testing.T) {
	candidates, err := FindCandidates(newStubSource(), nil, models.DefaultMatchParams())
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestMergeIntoTop(t *testing.T) {
	candidates := []models.Candidate{
		{RecordingID: "rec-1", Delta: 100, Matches: 50},
		{RecordingID: "rec-1", Delta: 101, Matches: 20},
		{RecordingID: "rec-1", Delta: 99, Matches: 10},
		{RecordingID: "rec-1", Delta: 105, Matches: 9}, // too far
		{RecordingID: "rec-2", Delta: 100, Matches: 8}, // other recording
	}

	top, ok := MergeIntoTop(candidates)
	require.True(t, ok)
	assert.Equal(t, "rec-1", top.RecordingID)
	assert.Equal(t, int32(100), top.Delta)
	assert.Equal(t, uint32(80), top.Matches)
}

func TestMergeIntoTopEmpty(t *testing.T) {
	_, ok := MergeIntoTop(nil)
	assert.False(t, ok)
}
