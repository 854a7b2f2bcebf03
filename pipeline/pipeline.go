package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"speech-dedup/db"
	"speech-dedup/download"
	"speech-dedup/fingerprint"
	"speech-dedup/models"
	"speech-dedup/utils"
)

const (
	// fingerprints shorter than this are not worth indexing or matching
	minFingerprintLength = 10000

	// merged matches / query length at or above this declares a duplicate
	matchRatioThreshold = 0.10

	maxIndexRetries = 3
)

// ObjectStore is the slice of the storage layer the driver needs: the
// audio archive, consulted before re-downloading from the source.
type ObjectStore interface {
	Upload(ctx context.Context, localPath, objectName string) error
	// Download returns "" with a nil error when the object is absent.
	Download(ctx context.Context, destDir, objectName string) (string, error)
}

// FetchFunc produces a local audio file for a recording. The driver
// removes the file when it's done with it.
type FetchFunc func(ctx context.Context, rec models.Recording) (string, error)

// FingerprintFunc turns a local audio file into a fingerprint.
type FingerprintFunc func(filePath string, cfg fingerprint.Config) ([]models.Occurrence, error)

// Pipeline drives recordings through download, fingerprinting, and
// match-or-index. Distinct recordings run concurrently; within one
// recording the stages are strictly sequential.
type Pipeline struct {
	Index   db.Index
	Store   ObjectStore // optional audio archive
	Fetch   FetchFunc
	Print   FingerprintFunc
	Config  fingerprint.Config
	Params  models.MatchParams
	Workers int
	TmpDir  string
}

// New wires the production pipeline: yt-dlp acquisition, optional GCS
// archival, and the standard speech fingerprint configuration. Worker
// count comes from PIPELINE_WORKERS (default half the CPUs).
func New(index db.Index, store ObjectStore) *Pipeline {
	workers := runtime.NumCPU() / 2
	if v, err := strconv.Atoi(utils.GetEnv("PIPELINE_WORKERS", "")); err == nil && v > 0 {
		workers = v
	}
	if workers < 1 {
		workers = 1
	}

	p := &Pipeline{
		Index:   index,
		Store:   store,
		Print:   fingerprint.FingerprintFile,
		Config:  fingerprint.DefaultSpeechConfig(),
		Params:  models.DefaultMatchParams(),
		Workers: workers,
		TmpDir:  utils.GetEnv("DOWNLOAD_TMP_DIR", "data"),
	}
	p.Fetch = p.fetchFromSource
	return p
}

// Run drains the pending queue in keyset-paged batches until it is
// empty, the context is cancelled, or a fatal index error occurs.
func (p *Pipeline) Run(ctx context.Context, batchSize int) error {
	var cursor *models.PendingCursor

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var rows []models.Recording
		var next *models.PendingCursor
		err := p.withRetry(ctx, "next pending", func() error {
			var err error
			rows, next, err = p.Index.NextPending(batchSize, cursor)
			return err
		})
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			log.Printf("[pipeline] pending queue drained")
			return nil
		}

		log.Printf("[pipeline] processing batch of %d (workers=%d)", len(rows), p.Workers)
		bar := progressbar.Default(int64(len(rows)), "recordings")

		group, groupCtx := errgroup.WithContext(ctx)
		group.SetLimit(p.Workers)
		for _, rec := range rows {
			rec := rec
			group.Go(func() error {
				defer bar.Add(1)
				return p.processOne(groupCtx, rec)
			})
		}
		if err := group.Wait(); err != nil {
			return err
		}

		cursor = next
	}
}

// processOne applies the per-recording error policy: flag and continue
// on recoverable failures, revert to unset on cancellation, stop the
// run on fatal index errors.
func (p *Pipeline) processOne(ctx context.Context, rec models.Recording) error {
	err := p.ProcessRecording(ctx, rec)
	switch {
	case err == nil:
		return nil

	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// back to the pending queue; use a fresh context because ours
		// is already dead
		if resetErr := p.Index.SetStatus(rec.ID, models.StatusUnset, ""); resetErr != nil {
			utils.LogError(context.Background(), "failed to reset status after cancel", resetErr)
		}
		return err

	case errors.Is(err, models.ErrIndexFatal):
		return err

	default:
		log.Printf("[pipeline] flagging %s: %v", rec.ExternalID, err)
		if flagErr := p.Index.SetStatus(rec.ID, models.StatusFlag, ""); flagErr != nil {
			utils.LogError(context.Background(), "failed to flag recording", flagErr)
		}
		return nil
	}
}

// ProcessRecording runs one recording through the full state machine:
//
//	pending -> fingerprinted | matched | too_short
//
// with flag / unset handled by the caller. All transitions are keyed by
// the recording id and idempotent.
func (p *Pipeline) ProcessRecording(ctx context.Context, rec models.Recording) error {
	log.Printf("[pipeline] starting %s (%s)", rec.ExternalID, rec.ID)
	if err := p.withRetry(ctx, "set pending", func() error {
		return p.Index.SetStatus(rec.ID, models.StatusPending, "")
	}); err != nil {
		return err
	}

	audioPath, err := p.Fetch(ctx, rec)
	if err != nil {
		return err
	}
	defer os.Remove(audioPath)

	if err := ctx.Err(); err != nil {
		return err
	}

	fp, err := p.Print(audioPath, p.Config)
	if err != nil {
		return err
	}
	os.Remove(audioPath)

	if len(fp) < minFingerprintLength {
		log.Printf("[pipeline] %s: fingerprint too short (%d), skipping", rec.ExternalID, len(fp))
		return p.withRetry(ctx, "set too_short", func() error {
			return p.Index.SetStatus(rec.ID, models.StatusTooShort, "")
		})
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	segments, info := fingerprint.SelectSegments(fp)
	log.Printf("[pipeline] %s: query %d/%d hashes (%d segments, %.0f%% coverage)",
		rec.ExternalID, len(segments), len(fp), info.Segments, info.Coverage*100)

	var candidates []models.Candidate
	if err := p.withRetry(ctx, "query candidates", func() error {
		var err error
		candidates, err = p.Index.QueryCandidates(segments, p.Params)
		return err
	}); err != nil {
		return err
	}

	if top, ok := fingerprint.MergeIntoTop(candidates); ok {
		ratio := float64(top.Matches) / float64(info.Length)
		log.Printf("[pipeline] %s: top candidate %s delta=%d matches=%d ratio=%.2f%%",
			rec.ExternalID, top.RecordingID, top.Delta, top.Matches, ratio*100)

		if ratio >= matchRatioThreshold {
			return p.withRetry(ctx, "set matched", func() error {
				return p.Index.SetStatus(rec.ID, models.StatusMatched, top.RecordingID)
			})
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	return p.indexFingerprint(ctx, rec, fp)
}

// indexFingerprint stores a non-duplicate's fingerprint. Occurrences go
// in before the stats upsert so any failure leaves a state that
// DeleteRecording fully cleans up before reprocessing.
func (p *Pipeline) indexFingerprint(ctx context.Context, rec models.Recording, fp []models.Occurrence) error {
	log.Printf("[pipeline] %s: indexing %d hashes", rec.ExternalID, len(fp))

	if err := p.withRetry(ctx, "insert occurrences", func() error {
		return p.Index.InsertOccurrences(rec.ID, fp)
	}); err != nil {
		p.cleanupPartial(rec.ID)
		return err
	}

	if err := p.withRetry(ctx, "upsert hash stats", func() error {
		return p.Index.UpsertHashStats(rec.ID, db.AggregateHashCounts(fp))
	}); err != nil {
		p.cleanupPartial(rec.ID)
		return err
	}

	return p.withRetry(ctx, "set fingerprinted", func() error {
		return p.Index.SetStatus(rec.ID, models.StatusFingerprinted, "")
	})
}

func (p *Pipeline) cleanupPartial(recordingID string) {
	if deleted, err := p.Index.DeleteRecording(recordingID); err != nil {
		utils.LogError(context.Background(), "failed to clean up partial insert", err)
	} else if deleted > 0 {
		log.Printf("[pipeline] rolled back %d partial rows for %s", deleted, recordingID)
	}
}

// fetchFromSource produces a recording's audio: archived copy when the
// object store has one, otherwise a fresh yt-dlp download that is then
// archived.
func (p *Pipeline) fetchFromSource(ctx context.Context, rec models.Recording) (string, error) {
	objectName := rec.ExternalID + ".mp3"

	if p.Store != nil {
		if cached, err := p.Store.Download(ctx, p.TmpDir, objectName); err == nil && cached != "" {
			return cached, nil
		}
	}

	url := download.YoutubeURL(rec.ExternalID)
	audioPath, err := download.Audio(url, rec.ExternalID, p.TmpDir)
	if err != nil {
		return "", err
	}

	if p.Store != nil {
		if err := p.Store.Upload(ctx, audioPath, objectName); err != nil {
			os.Remove(audioPath)
			return "", fmt.Errorf("%w: %v", models.ErrDownload, err)
		}
	}

	return audioPath, nil
}

// withRetry retries transient index failures with exponential backoff;
// everything else returns immediately.
func (p *Pipeline) withRetry(ctx context.Context, op string, fn func() error) error {
	backoff := time.Second
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !errors.Is(err, models.ErrIndexTransient) || attempt >= maxIndexRetries {
			return err
		}

		log.Printf("[pipeline] %s failed (attempt %d/%d), retrying in %s: %v",
			op, attempt, maxIndexRetries, backoff, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}
