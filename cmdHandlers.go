package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"speech-dedup/db"
	"speech-dedup/fingerprint"
	"speech-dedup/models"
	"speech-dedup/pipeline"
	"speech-dedup/storage"
	"speech-dedup/wav"
	"speech-dedup/youtubeapi"
)

// run ingests channel metadata (when a handle is given), then drains
// the pending queue. SIGINT cancels between stages and the in-flight
// recordings revert to the pending queue.
func run(channelHandle, afterStr, beforeStr string, batchLimit int) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	index, err := db.NewIndexClient()
	if err != nil {
		fmt.Printf("error creating index client: %v\n", err)
		os.Exit(1)
	}
	defer index.Close()

	if channelHandle != "" {
		after, err := parseDateBound(afterStr)
		if err != nil {
			fmt.Printf("invalid -after date: %v\n", err)
			os.Exit(1)
		}
		before, err := parseDateBound(beforeStr)
		if err != nil {
			fmt.Printf("invalid -before date: %v\n", err)
			os.Exit(1)
		}

		yt, err := youtubeapi.NewClient(ctx)
		if err != nil {
			fmt.Printf("error creating youtube client: %v\n", err)
			os.Exit(1)
		}
		if err := yt.IngestChannel(index, channelHandle, after, before); err != nil {
			fmt.Printf("error ingesting channel: %v\n", err)
			os.Exit(1)
		}
	}

	var store pipeline.ObjectStore
	if bucket, err := storage.NewBucket(ctx); err == nil {
		store = bucket
	} else {
		log.Printf("[run] no object storage configured, skipping archival: %v", err)
	}

	p := pipeline.New(index, store)
	if err := p.Run(ctx, batchLimit); err != nil {
		if ctx.Err() != nil {
			fmt.Println("\ninterrupted; in-flight recordings returned to the pending queue")
			return
		}
		fmt.Printf("pipeline stopped: %v\n", err)
		os.Exit(1)
	}
}

// fingerprintFile fingerprints a local audio file and prints the
// summary an operator needs to sanity-check the pipeline.
func fingerprintFile(filePath string) {
	cfg := fingerprint.DefaultSpeechConfig()

	if metadata, err := wav.GetMetadata(filePath); err == nil {
		if title := metadata.Format.Tags["title"]; title != "" {
			fmt.Printf("title: %s\n", title)
		}
	}
	if duration, err := wav.GetAudioDuration(filePath); err == nil {
		fmt.Printf("duration: %.0fs (%.1f hours)\n", duration, duration/3600)
	}

	start := time.Now()
	fp, err := fingerprint.FingerprintFile(filePath, cfg)
	if err != nil {
		fmt.Printf("error fingerprinting %s: %v\n", filePath, err)
		os.Exit(1)
	}

	segments, info := fingerprint.SelectSegments(fp)

	fmt.Printf("fingerprint: %d hashes in %s\n", len(fp), time.Since(start).Round(time.Millisecond))
	fmt.Printf("query sample: %d hashes, %d segments of %d, %.0f%% coverage\n",
		len(segments), info.Segments, info.HashesPerSegment, info.Coverage*100)
}

// matchFile fingerprints a local file and queries the index for its
// likely source recording.
func matchFile(filePath string) {
	index, err := db.NewIndexClient()
	if err != nil {
		fmt.Printf("error creating index client: %v\n", err)
		os.Exit(1)
	}
	defer index.Close()

	cfg := fingerprint.DefaultSpeechConfig()
	fp, err := fingerprint.FingerprintFile(filePath, cfg)
	if err != nil {
		fmt.Printf("error fingerprinting %s: %v\n", filePath, err)
		os.Exit(1)
	}
	if len(fp) == 0 {
		fmt.Println("no hashes extracted; nothing to match")
		return
	}

	segments, info := fingerprint.SelectSegments(fp)

	searchStart := time.Now()
	candidates, err := index.QueryCandidates(segments, models.DefaultMatchParams())
	if err != nil {
		fmt.Printf("error querying candidates: %v\n", err)
		os.Exit(1)
	}
	searchDuration := time.Since(searchStart)

	if len(candidates) == 0 {
		fmt.Println("\nno match found.")
		fmt.Printf("\nsearch took: %s\n", searchDuration)
		return
	}

	fmt.Println("candidates:")
	for _, c := range candidates {
		rec, _ := index.GetRecording(c.RecordingID)
		title := c.RecordingID
		if rec != nil {
			title = fmt.Sprintf("%s (%s)", rec.Title, rec.ExternalID)
		}
		fmt.Printf("\t- %s, delta=%d frames, matches=%d\n", title, c.Delta, c.Matches)
	}

	if top, ok := fingerprint.MergeIntoTop(candidates); ok {
		ratio := float64(top.Matches) / float64(info.Length)
		verdict := "distinct"
		if ratio >= 0.10 {
			verdict = "duplicate"
		}
		fmt.Printf("\nfinal verdict: %s of %s (ratio %.1f%%, offset %d frames)\n",
			verdict, top.RecordingID, ratio*100, top.Delta)
	}
	fmt.Printf("\nsearch took: %s\n", searchDuration)
}

func deleteRecording(recordingID string) {
	index, err := db.NewIndexClient()
	if err != nil {
		fmt.Printf("error creating index client: %v\n", err)
		os.Exit(1)
	}
	defer index.Close()

	deleted, err := index.DeleteRecording(recordingID)
	if err != nil {
		fmt.Printf("error deleting recording: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("removed %d fingerprint rows for %s\n", deleted, recordingID)
}

func stats() {
	index, err := db.NewIndexClient()
	if err != nil {
		fmt.Printf("error creating index client: %v\n", err)
		os.Exit(1)
	}
	defer index.Close()

	recordings, _ := index.TotalRecordings()
	fingerprints, _ := index.TotalFingerprints()

	green := color.New(color.FgGreen)
	green.Printf("recordings:   %d\n", recordings)
	green.Printf("fingerprints: %d\n", fingerprints)
}

// parseDateBound accepts YYYY-MM-DD or MM/DD/YYYY; empty input means
// no bound.
func parseDateBound(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	for _, layout := range []string{"2006-01-02", "01/02/2006"} {
		if t, err := time.Parse(layout, value); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("expected YYYY-MM-DD or MM/DD/YYYY, got %q", value)
}
