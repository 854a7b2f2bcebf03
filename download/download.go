package download

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/buger/jsonparser"

	"speech-dedup/models"
	"speech-dedup/utils"
)

const youtubeBaseURL = "https://www.youtube.com/watch?v="

// YoutubeURL returns the watch URL for a video id.
func YoutubeURL(videoID string) string {
	return youtubeBaseURL + videoID
}

// Audio fetches a video's audio track as MP3 into tmpDir via yt-dlp and
// returns the local path. Failures are wrapped as download errors so
// the driver flags the recording and moves on.
func Audio(url, videoID, tmpDir string) (string, error) {
	if err := utils.CreateFolder(tmpDir); err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrDownload, err)
	}

	outputPath := filepath.Join(tmpDir, videoID+".mp3")
	if _, err := os.Stat(outputPath); err == nil {
		os.Remove(outputPath)
	}

	log.Printf("[download] starting %s -> %s", videoID, outputPath)

	args := []string{
		"--format", "bestaudio/best",
		"--extract-audio",
		"--audio-format", "mp3",
		"--audio-quality", "192K",
		"--no-playlist",
		"--print-json",
		"--output", filepath.Join(tmpDir, videoID+".%(ext)s"),
	}
	if cookies := utils.GetEnv("YTDLP_COOKIES_FILE", ""); cookies != "" {
		args = append(args, "--cookies", cookies)
	}
	args = append(args, url)

	cmd := exec.Command("yt-dlp", args...)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%w: yt-dlp failed for %s: %v", models.ErrDownload, url, err)
	}

	if _, err := os.Stat(outputPath); err != nil {
		return "", fmt.Errorf("%w: yt-dlp reported success but %s not found", models.ErrDownload, outputPath)
	}

	// yt-dlp prints the final info dict; log the useful bits
	if title, err := jsonparser.GetString(out, "title"); err == nil {
		duration, _ := jsonparser.GetInt(out, "duration")
		log.Printf("[download] complete: %q (%ds)", title, duration)
	}

	return outputPath, nil
}
