package db

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"speech-dedup/fingerprint"
	"speech-dedup/models"
)

// MemoryIndex is an in-memory Index used by tests and by the matcher's
// own test harness. Posting lists keep insertion order so lookups are
// deterministic.
type MemoryIndex struct {
	mu         sync.RWMutex
	recordings map[string]*models.Recording
	postings   map[string][]models.Posting
	stats      map[string]*models.HashStats
	perRec     map[string]map[string]uint32 // recording -> hash -> count
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		recordings: make(map[string]*models.Recording),
		postings:   make(map[string][]models.Posting),
		stats:      make(map[string]*models.HashStats),
		perRec:     make(map[string]map[string]uint32),
	}
}

func (m *MemoryIndex) Close() error { return nil }

func (m *MemoryIndex) UpsertRecordings(rows []models.Recording) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range rows {
		row := r
		existing := m.findByExternalID(r.ExternalID)
		if existing != nil {
			existing.ChannelID = r.ChannelID
			existing.Title = r.Title
			existing.PublishedAt = r.PublishedAt
			existing.DurationSec = r.DurationSec
			continue
		}
		m.recordings[row.ID] = &row
	}
	return nil
}

func (m *MemoryIndex) findByExternalID(externalID string) *models.Recording {
	for _, r := range m.recordings {
		if r.ExternalID == externalID {
			return r
		}
	}
	return nil
}

func (m *MemoryIndex) NextPending(limit int, cursor *models.PendingCursor) ([]models.Recording, *models.PendingCursor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var pending []models.Recording
	for _, r := range m.recordings {
		if r.MatchStatus == models.StatusUnset {
			pending = append(pending, *r)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].DurationSec != pending[j].DurationSec {
			return pending[i].DurationSec > pending[j].DurationSec
		}
		return pending[i].ID > pending[j].ID
	})

	if cursor != nil {
		cut := 0
		for cut < len(pending) {
			r := pending[cut]
			if r.DurationSec < cursor.DurationSec ||
				(r.DurationSec == cursor.DurationSec && r.ID < cursor.ID) {
				break
			}
			cut++
		}
		pending = pending[cut:]
	}

	if len(pending) > limit {
		pending = pending[:limit]
	}

	var next *models.PendingCursor
	if len(pending) > 0 {
		last := pending[len(pending)-1]
		next = &models.PendingCursor{DurationSec: last.DurationSec, ID: last.ID}
	}
	return pending, next, nil
}

func (m *MemoryIndex) SetStatus(recordingID, status, originalRecordingID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.recordings[recordingID]
	if !ok {
		return fmt.Errorf("%w: unknown recording %s", models.ErrIndexFatal, recordingID)
	}
	r.MatchStatus = status
	if originalRecordingID != "" {
		r.OriginalRecordingID = originalRecordingID
	}
	return nil
}

func (m *MemoryIndex) UpsertHashStats(recordingID string, counts map[string]uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for h, c := range counts {
		st := m.stats[h]
		if st == nil {
			st = &models.HashStats{}
			m.stats[h] = st
		}
		st.TotalCount += c
		st.RecordingCount++
	}
	return nil
}

func (m *MemoryIndex) InsertOccurrences(recordingID string, occurrences []models.Occurrence) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	per := m.perRec[recordingID]
	if per == nil {
		per = make(map[string]uint32)
		m.perRec[recordingID] = per
	}
	for _, occ := range occurrences {
		m.postings[occ.Hash] = append(m.postings[occ.Hash], models.Posting{
			RecordingID: recordingID,
			TRef:        occ.TRef,
		})
		per[occ.Hash]++
	}
	return nil
}

func (m *MemoryIndex) QueryCandidates(query []models.Occurrence, params models.MatchParams) ([]models.Candidate, error) {
	return fingerprint.FindCandidates(m, query, params)
}

func (m *MemoryIndex) DeleteRecording(recordingID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for h, list := range m.postings {
		kept := list[:0]
		for _, p := range list {
			if p.RecordingID == recordingID {
				deleted++
				continue
			}
			kept = append(kept, p)
		}
		if len(kept) == 0 {
			delete(m.postings, h)
		} else {
			m.postings[h] = kept
		}
	}

	for h, c := range m.perRec[recordingID] {
		st := m.stats[h]
		if st == nil {
			continue
		}
		st.TotalCount -= c
		st.RecordingCount--
		if st.TotalCount == 0 || st.RecordingCount == 0 {
			delete(m.stats, h)
		}
	}
	delete(m.perRec, recordingID)

	if r, ok := m.recordings[recordingID]; ok {
		r.MatchStatus = models.StatusUnset
	}
	return deleted, nil
}

func (m *MemoryIndex) GetRecording(recordingID string) (*models.Recording, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.recordings[recordingID]
	if !ok {
		return nil, nil
	}
	copied := *r
	return &copied, nil
}

func (m *MemoryIndex) TotalRecordings() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.recordings), nil
}

func (m *MemoryIndex) TotalFingerprints() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, st := range m.stats {
		n += int64(st.TotalCount)
	}
	return n, nil
}

// Lookup implements fingerprint.PostingSource.
func (m *MemoryIndex) Lookup(hashes []string, limit int) (map[string][]models.Posting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string][]models.Posting)
	for _, h := range hashes {
		list := m.postings[h]
		if list == nil {
			continue
		}
		if len(list) > limit+1 {
			list = list[:limit+1]
		}
		out[h] = append([]models.Posting(nil), list...)
	}
	return out, nil
}

// HashTotals implements fingerprint.PostingSource.
func (m *MemoryIndex) HashTotals(hashes []string) (map[string]uint32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totals := make(map[string]uint32, len(hashes))
	for _, h := range hashes {
		if st := m.stats[h]; st != nil {
			totals[h] = st.TotalCount
		}
	}
	return totals, nil
}

// StopWordCutoff implements fingerprint.PostingSource.
func (m *MemoryIndex) StopWordCutoff(ignoreFraction float64) (uint32, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rank := int(math.Floor(float64(len(m.stats)) * ignoreFraction))
	if rank < 1 {
		return 0, false, nil
	}

	counts := make([]uint32, 0, len(m.stats))
	for _, st := range m.stats {
		counts = append(counts, st.TotalCount)
	}
	sort.Slice(counts, func(i, j int) bool { return counts[i] > counts[j] })
	return counts[rank-1], true, nil
}
