package db

import (
	"database/sql"
	"fmt"
	"math"

	"github.com/lib/pq"

	"speech-dedup/fingerprint"
	"speech-dedup/models"
	"speech-dedup/utils"
)

// insertChunkSize bounds one INSERT batch so statement timeouts on
// hosted Postgres don't kill multi-hour fingerprints.
const insertChunkSize = 5000

const postgresSchema = `
CREATE TABLE IF NOT EXISTS recordings (
	id UUID PRIMARY KEY,
	external_id TEXT UNIQUE NOT NULL,
	channel_id TEXT,
	title TEXT,
	published_at TIMESTAMPTZ,
	duration INTEGER,
	match_status TEXT,
	original_recording_id UUID
);

CREATE TABLE IF NOT EXISTS fingerprints (
	hash CHAR(20) NOT NULL,
	recording_id UUID NOT NULL,
	t_ref INTEGER NOT NULL,
	PRIMARY KEY (hash, recording_id, t_ref)
);
CREATE INDEX IF NOT EXISTS fingerprints_hash_idx ON fingerprints (hash);
CREATE INDEX IF NOT EXISTS fingerprints_recording_idx ON fingerprints (recording_id);

CREATE TABLE IF NOT EXISTS fingerprint_hashes (
	hash CHAR(20) PRIMARY KEY,
	total_count BIGINT NOT NULL DEFAULT 0,
	video_count BIGINT NOT NULL DEFAULT 0
);

CREATE OR REPLACE FUNCTION fingerprints_delete_stats() RETURNS trigger AS $$
BEGIN
	UPDATE fingerprint_hashes fh
	   SET total_count = fh.total_count - d.cnt,
	       video_count = fh.video_count - d.recs
	  FROM (
		SELECT hash, COUNT(*) AS cnt, COUNT(DISTINCT recording_id) AS recs
		  FROM deleted
		 GROUP BY hash
	  ) d
	 WHERE fh.hash = d.hash;
	DELETE FROM fingerprint_hashes WHERE total_count <= 0 OR video_count <= 0;
	RETURN NULL;
END $$ LANGUAGE plpgsql;

CREATE OR REPLACE TRIGGER fingerprints_after_delete
	AFTER DELETE ON fingerprints
	REFERENCING OLD TABLE AS deleted
	FOR EACH STATEMENT EXECUTE FUNCTION fingerprints_delete_stats();
`

// PostgresIndex implements Index on PostgreSQL. The fingerprint_hashes
// profile is decremented by an AFTER DELETE statement trigger, so
// DeleteRecording fully cleans up after a partial insert before
// reprocessing.
type PostgresIndex struct {
	db *sql.DB
}

// NewPostgresIndex connects using PG_* env vars and ensures the schema.
func NewPostgresIndex() (*PostgresIndex, error) {
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		utils.GetEnv("PG_HOST", "localhost"),
		utils.GetEnv("PG_PORT", "5432"),
		utils.GetEnv("PG_USER", "postgres"),
		utils.GetEnv("PG_PASSWORD", ""),
		utils.GetEnv("PG_DBNAME", "speechdedup"),
		utils.GetEnv("PG_SSLMODE", "require"),
	)

	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %v", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, classify("postgres ping", err)
	}

	if _, err := sqlDB.Exec(postgresSchema); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ensure schema: %v", err)
	}

	return &PostgresIndex{db: sqlDB}, nil
}

func (p *PostgresIndex) Close() error {
	return p.db.Close()
}

func (p *PostgresIndex) UpsertRecordings(rows []models.Recording) error {
	tx, err := p.db.Begin()
	if err != nil {
		return classify("upsert recordings", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO recordings (id, external_id, channel_id, title, published_at, duration)
		VALUES ($1, $2, $3, $4, NULLIF($5, '')::timestamptz, $6)
		ON CONFLICT (external_id) DO UPDATE
		   SET title = EXCLUDED.title,
		       published_at = EXCLUDED.published_at,
		       duration = EXCLUDED.duration`)
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

func (p *PostgresIndex) NextPending(limit int, cursor *models.PendingCursor) ([]models.Recording, *models.PendingCursor, error) {
	query := `
		SELECT id, external_id, COALESCE(channel_id, ''), COALESCE(title, ''), COALESCE(duration, 0)
		  FROM recordings
		 WHERE match_status IS NULL`
	args := []any{}
	if cursor != nil {
		query += ` AND (duration, id) < ($1, $2)`
		args = append(args, cursor.DurationSec, cursor.ID)
	}
	query += fmt.Sprintf(` ORDER BY duration DESC, id DESC LIMIT %d`, limit)

	rows, err := p.db.Query(query, args...)
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

func (p *PostgresIndex) SetStatus(recordingID, status, originalRecordingID string) error {
	var err error
	if originalRecordingID != "" {
		_, err = p.db.Exec(`
			UPDATE recordings
			   SET match_status = NULLIF($2, ''), original_recording_id = $3
			 WHERE id = $1`,
			recordingID, status, originalRecordingID)
	} else {
		_, err = p.db.Exec(`
			UPDATE recordings SET match_status = NULLIF($2, '') WHERE id = $1`,
			recordingID, status)
	}
	return classify("set status", err)
}

func (p *PostgresIndex) UpsertHashStats(recordingID string, counts map[string]uint32) error {
	if len(counts) == 0 {
		return nil
	}

	hashes := make([]string, 0, len(counts))
	totals := make([]int64, 0, len(counts))
	for h, c := range counts {
		hashes = append(hashes, h)
		totals = append(totals, int64(c))
	}

	_, err := p.db.Exec(`
		INSERT INTO fingerprint_hashes (hash, total_count, video_count)
		SELECT u.hash, u.c, 1
		  FROM UNNEST($1::text[], $2::bigint[]) AS u(hash, c)
		ON CONFLICT (hash) DO UPDATE
		   SET total_count = fingerprint_hashes.total_count + EXCLUDED.total_count,
		       video_count = fingerprint_hashes.video_count + 1`,
		pq.Array(hashes), pq.Array(totals))
	return classify("upsert hash stats", err)
}

func (p *PostgresIndex) InsertOccurrences(recordingID string, occurrences []models.Occurrence) error {
	if len(occurrences) == 0 {
		return nil
	}

	tx, err := p.db.Begin()
	if err != nil {
		return classify("insert occurrences", err)
	}
	defer tx.Rollback()

	for start := 0; start < len(occurrences); start += insertChunkSize {
		end := start + insertChunkSize
		if end > len(occurrences) {
			end = len(occurrences)
		}
		chunk := occurrences[start:end]

		hashes := make([]string, len(chunk))
		trefs := make([]int64, len(chunk))
		for i, occ := range chunk {
			hashes[i] = occ.Hash
			trefs[i] = int64(occ.TRef)
		}

		if _, err := tx.Exec(`
			INSERT INTO fingerprints (hash, recording_id, t_ref)
			SELECT u.hash, $3::uuid, u.t_ref
			  FROM UNNEST($1::text[], $2::bigint[]) AS u(hash, t_ref)
			ON CONFLICT DO NOTHING`,
			pq.Array(hashes), pq.Array(trefs), recordingID); err != nil {
			return classify("insert occurrences", err)
		}
	}

	return classify("insert occurrences", tx.Commit())
}

func (p *PostgresIndex) QueryCandidates(query []models.Occurrence, params models.MatchParams) ([]models.Candidate, error) {
	return fingerprint.FindCandidates(p, query, params)
}

func (p *PostgresIndex) DeleteRecording(recordingID string) (int64, error) {
	res, err := p.db.Exec(`DELETE FROM fingerprints WHERE recording_id = $1`, recordingID)
	if err != nil {
		return 0, classify("delete recording", err)
	}
	deleted, _ := res.RowsAffected()

	if err := p.SetStatus(recordingID, models.StatusUnset, ""); err != nil {
		return deleted, err
	}
	return deleted, nil
}

func (p *PostgresIndex) GetRecording(recordingID string) (*models.Recording, error) {
	var r models.Recording
	err := p.db.QueryRow(`
		SELECT id, external_id, COALESCE(channel_id, ''), COALESCE(title, ''),
		       COALESCE(duration, 0), COALESCE(match_status, ''), COALESCE(original_recording_id::text, '')
		  FROM recordings WHERE id = $1`, recordingID).
		Scan(&r.ID, &r.ExternalID, &r.ChannelID, &r.Title, &r.DurationSec, &r.MatchStatus, &r.OriginalRecordingID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get recording", err)
	}
	return &r, nil
}

func (p *PostgresIndex) TotalRecordings() (int, error) {
	var n int
	err := p.db.QueryRow(`SELECT COUNT(*) FROM recordings`).Scan(&n)
	return n, classify("total recordings", err)
}

func (p *PostgresIndex) TotalFingerprints() (int64, error) {
	var n int64
	err := p.db.QueryRow(`SELECT COALESCE(SUM(total_count), 0) FROM fingerprint_hashes`).Scan(&n)
	return n, classify("total fingerprints", err)
}

// Lookup implements fingerprint.PostingSource. Posting lists are capped
// at limit+1 rows per hash so the matcher can detect too-common hashes
// without the store shipping them whole.
func (p *PostgresIndex) Lookup(hashes []string, limit int) (map[string][]models.Posting, error) {
	rows, err := p.db.Query(`
		SELECT hash, recording_id, t_ref FROM (
			SELECT hash, recording_id, t_ref,
			       ROW_NUMBER() OVER (PARTITION BY hash ORDER BY recording_id, t_ref) AS rn
			  FROM fingerprints
			 WHERE hash = ANY($1)
		) ranked
		WHERE rn <= $2`,
		pq.Array(hashes), limit+1)
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
func (p *PostgresIndex) HashTotals(hashes []string) (map[string]uint32, error) {
	rows, err := p.db.Query(
		`SELECT hash, total_count FROM fingerprint_hashes WHERE hash = ANY($1)`,
		pq.Array(hashes))
	if err != nil {
		return nil, classify("hash totals", err)
	}
	defer rows.Close()

	totals := make(map[string]uint32, len(hashes))
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

// StopWordCutoff implements fingerprint.PostingSource: the total_count
// of the lowest-ranked hash inside the top ignoreFraction.
func (p *PostgresIndex) StopWordCutoff(ignoreFraction float64) (uint32, bool, error) {
	var distinct int64
	if err := p.db.QueryRow(`SELECT COUNT(*) FROM fingerprint_hashes`).Scan(&distinct); err != nil {
		return 0, false, classify("stop-word cutoff", err)
	}

	rank := int64(math.Floor(float64(distinct) * ignoreFraction))
	if rank < 1 {
		return 0, false, nil
	}

	var cutoff int64
	err := p.db.QueryRow(
		`SELECT total_count FROM fingerprint_hashes ORDER BY total_count DESC, hash LIMIT 1 OFFSET $1`,
		rank-1).Scan(&cutoff)
	if err != nil {
		return 0, false, classify("stop-word cutoff", err)
	}
	return uint32(cutoff), true, nil
}
