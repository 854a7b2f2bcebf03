package db

import (
	"database/sql"
	"fmt"
	"math"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"speech-dedup/fingerprint"
	"speech-dedup/models"
	"speech-dedup/utils"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS recordings (
	id TEXT PRIMARY KEY,
	external_id TEXT UNIQUE NOT NULL,
	channel_id TEXT,
	title TEXT,
	published_at TEXT,
	duration INTEGER,
	match_status TEXT,
	original_recording_id TEXT
);

CREATE TABLE IF NOT EXISTS fingerprints (
	hash TEXT NOT NULL,
	recording_id TEXT NOT NULL,
	t_ref INTEGER NOT NULL,
	PRIMARY KEY (hash, recording_id, t_ref)
);
CREATE INDEX IF NOT EXISTS fingerprints_recording_idx ON fingerprints (recording_id);

CREATE TABLE IF NOT EXISTS fingerprint_hashes (
	hash TEXT PRIMARY KEY,
	total_count INTEGER NOT NULL DEFAULT 0,
	video_count INTEGER NOT NULL DEFAULT 0
);

CREATE TRIGGER IF NOT EXISTS fingerprints_after_delete
AFTER DELETE ON fingerprints
BEGIN
	UPDATE fingerprint_hashes SET total_count = total_count - 1 WHERE hash = OLD.hash;
	UPDATE fingerprint_hashes SET video_count = video_count - 1
	 WHERE hash = OLD.hash
	   AND NOT EXISTS (
		SELECT 1 FROM fingerprints
		 WHERE hash = OLD.hash AND recording_id = OLD.recording_id
	   );
	DELETE FROM fingerprint_hashes
	 WHERE hash = OLD.hash AND (total_count <= 0 OR video_count <= 0);
END;
`

// SQLiteIndex implements Index on an embedded SQLite database, the
// zero-configuration default. Global hash counts are maintained by a
// row-level AFTER DELETE trigger mirroring the Postgres one.
type SQLiteIndex struct {
	db *sql.DB
}

// NewSQLiteIndex opens (or creates) the database at SQLITE_DB_PATH and
// ensures the schema.
func NewSQLiteIndex() (*SQLiteIndex, error) {
	path := utils.GetEnv("SQLITE_DB_PATH", "fingerprints.db")

	sqlDB, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %v", err)
	}
	// sqlite serializes writers; a single connection avoids SQLITE_BUSY
	// churn from the worker pool
	sqlDB.SetMaxOpenConns(1)

	if _, err := sqlDB.Exec(sqliteSchema); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ensure schema: %v", err)
	}

	return &SQLiteIndex{db: sqlDB}, nil
}

func (s *SQLiteIndex) Close() error {
	return s.db.Close()
}

func (s *SQLiteIndex) UpsertRecordings(rows []models.Recording) error {
	tx, err := s.db.Begin()
	if err != nil {
		return classify("upsert recordings", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO recordings (id, external_id, channel_id, title, published_at, duration)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), ?)
		ON CONFLICT (external_id) DO UPDATE
		   SET title = excluded.title,
		       published_at = excluded.published_at,
		       duration = excluded.duration`)
	if err != nil {
		return classify("upsert recordings", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.Exec(r.ID, r.ExternalID, r.ChannelID, r.Title, r.PublishedAt, r.DurationSec); err != nil {
			return classify("upsert recordings", err)
		}
	}
	return classify("upsert recordings", tx.Commit())
}

func (s *SQLiteIndex) NextPending(limit int, cursor *models.PendingCursor) ([]models.Recording, *models.PendingCursor, error) {
	query := `
		SELECT id, external_id, COALESCE(channel_id, ''), COALESCE(title, ''), COALESCE(duration, 0)
		  FROM recordings
		 WHERE match_status IS NULL`
	args := []any{}
	if cursor != nil {
		query += ` AND (duration < ? OR (duration = ? AND id < ?))`
		args = append(args, cursor.DurationSec, cursor.DurationSec, cursor.ID)
	}
	query += ` ORDER BY duration DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, nil, classify("next pending", err)
	}
	defer rows.Close()

	var out []models.Recording
	for rows.Next() {
		var r models.Recording
		if err := rows.Scan(&r.ID, &r.ExternalID, &r.ChannelID, &r.Title, &r.DurationSec); err != nil {
			return nil, nil, classify("next pending", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, classify("next pending", err)
	}

	var next *models.PendingCursor
	if len(out) > 0 {
		last := out[len(out)-1]
		next = &models.PendingCursor{DurationSec: last.DurationSec, ID: last.ID}
	}
	return out, next, nil
}

func (s *SQLiteIndex) SetStatus(recordingID, status, originalRecordingID string) error {
	var err error
	if originalRecordingID != "" {
		_, err = s.db.Exec(
			`UPDATE recordings SET match_status = NULLIF(?, ''), original_recording_id = ? WHERE id = ?`,
			status, originalRecordingID, recordingID)
	} else {
		_, err = s.db.Exec(
			`UPDATE recordings SET match_status = NULLIF(?, '') WHERE id = ?`,
			status, recordingID)
	}
	return classify("set status", err)
}

func (s *SQLiteIndex) UpsertHashStats(recordingID string, counts map[string]uint32) error {
	if len(counts) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return classify("upsert hash stats", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO fingerprint_hashes (hash, total_count, video_count)
		VALUES (?, ?, 1)
		ON CONFLICT (hash) DO UPDATE
		   SET total_count = total_count + excluded.total_count,
		       video_count = video_count + 1`)
	if err != nil {
		return classify("upsert hash stats", err)
	}
	defer stmt.Close()

	for h, c := range counts {
		if _, err := stmt.Exec(h, int64(c)); err != nil {
			return classify("upsert hash stats", err)
		}
	}
	return classify("upsert hash stats", tx.Commit())
}

func (s *SQLiteIndex) InsertOccurrences(recordingID string, occurrences []models.Occurrence) error {
	if len(occurrences) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return classify("insert occurrences", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT OR IGNORE INTO fingerprints (hash, recording_id, t_ref) VALUES (?, ?, ?)`)
	if err != nil {
		return classify("insert occurrences", err)
	}
	defer stmt.Close()

	for _, occ := range occurrences {
		if _, err := stmt.Exec(occ.Hash, recordingID, int64(occ.TRef)); err != nil {
			return classify("insert occurrences", err)
		}
	}
	return classify("insert occurrences", tx.Commit())
}

func (s *SQLiteIndex) QueryCandidates(query []models.Occurrence, params models.MatchParams) ([]models.Candidate, error) {
	return fingerprint.FindCandidates(s, query, params)
}

func (s *SQLiteIndex) DeleteRecording(recordingID string) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM fingerprints WHERE recording_id = ?`, recordingID)
	if err != nil {
		return 0, classify("delete recording", err)
	}
	deleted, _ := res.RowsAffected()

	if err := s.SetStatus(recordingID, models.StatusUnset, ""); err != nil {
		return deleted, err
	}
	return deleted, nil
}

func (s *SQLiteIndex) GetRecording(recordingID string) (*models.Recording, error) {
	var r models.Recording
	err := s.db.QueryRow(`
		SELECT id, external_id, COALESCE(channel_id, ''), COALESCE(title, ''),
		       COALESCE(duration, 0), COALESCE(match_status, ''), COALESCE(original_recording_id, '')
		  FROM recordings WHERE id = ?`, recordingID).
		Scan(&r.ID, &r.ExternalID, &r.ChannelID, &r.Title, &r.DurationSec, &r.MatchStatus, &r.OriginalRecordingID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get recording", err)
	}
	return &r, nil
}

func (s *SQLiteIndex) TotalRecordings() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM recordings`).Scan(&n)
	return n, classify("total recordings", err)
}

func (s *SQLiteIndex) TotalFingerprints() (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COALESCE(SUM(total_count), 0) FROM fingerprint_hashes`).Scan(&n)
	return n, classify("total fingerprints", err)
}

// Lookup implements fingerprint.PostingSource.
func (s *SQLiteIndex) Lookup(hashes []string, limit int) (map[string][]models.Posting, error) {
	if len(hashes) == 0 {
		return map[string][]models.Posting{}, nil
	}

	placeholders := strings.Repeat("?,", len(hashes))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(hashes)+1)
	for _, h := range hashes {
		args = append(args, h)
	}
	args = append(args, limit+1)

	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT hash, recording_id, t_ref FROM (
			SELECT hash, recording_id, t_ref,
			       ROW_NUMBER() OVER (PARTITION BY hash ORDER BY recording_id, t_ref) AS rn
			  FROM fingerprints
			 WHERE hash IN (%s)
		) WHERE rn <= ?`, placeholders), args...)
	if err != nil {
		return nil, classify("posting lookup", err)
	}
	defer rows.Close()

	postings := make(map[string][]models.Posting)
	for rows.Next() {
		var h, rid string
		var tref int64
		if err := rows.Scan(&h, &rid, &tref); err != nil {
			return nil, classify("posting lookup", err)
		}
		postings[h] = append(postings[h], models.Posting{RecordingID: rid, TRef: uint32(tref)})
	}
	return postings, classify("posting lookup", rows.Err())
}

// HashTotals implements fingerprint.PostingSource.
func (s *SQLiteIndex) HashTotals(hashes []string) (map[string]uint32, error) {
	totals := make(map[string]uint32, len(hashes))
	if len(hashes) == 0 {
		return totals, nil
	}

	placeholders := strings.Repeat("?,", len(hashes))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(hashes))
	for i, h := range hashes {
		args[i] = h
	}

	rows, err := s.db.Query(fmt.Sprintf(
		`SELECT hash, total_count FROM fingerprint_hashes WHERE hash IN (%s)`, placeholders), args...)
	if err != nil {
		return nil, classify("hash totals", err)
	}
	defer rows.Close()

	for rows.Next() {
		var h string
		var total int64
		if err := rows.Scan(&h, &total); err != nil {
			return nil, classify("hash totals", err)
		}
		totals[h] = uint32(total)
	}
	return totals, classify("hash totals", rows.Err())
}

// StopWordCutoff implements fingerprint.PostingSource.
func (s *SQLiteIndex) StopWordCutoff(ignoreFraction float64) (uint32, bool, error) {
	var distinct int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM fingerprint_hashes`).Scan(&distinct); err != nil {
		return 0, false, classify("stop-word cutoff", err)
	}

	rank := int64(math.Floor(float64(distinct) * ignoreFraction))
	if rank < 1 {
		return 0, false, nil
	}

	var cutoff int64
	err := s.db.QueryRow(
		`SELECT total_count FROM fingerprint_hashes ORDER BY total_count DESC, hash LIMIT 1 OFFSET ?`,
		rank-1).Scan(&cutoff)
	if err != nil {
		return 0, false, classify("stop-word cutoff", err)
	}
	return uint32(cutoff), true, nil
}
