package youtubeapi

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"

	"speech-dedup/db"
	"speech-dedup/models"
	"speech-dedup/utils"
)

const metadataBatchSize = 50

// Client wraps the YouTube Data API for channel-metadata ingestion.
type Client struct {
	service *youtube.Service
}

// NewClient builds a client using the GOOGLE_API_KEY env var.
func NewClient(ctx context.Context) (*Client, error) {
	apiKey := utils.GetEnv("GOOGLE_API_KEY", "")
	if apiKey == "" {
		return nil, fmt.Errorf("missing GOOGLE_API_KEY env var")
	}

	service, err := youtube.NewService(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create youtube client: %v", err)
	}
	return &Client{service: service}, nil
}

// IngestChannel fetches every video of a channel (by @handle), filters
// by the optional publish-date bounds, and upserts the survivors into
// the index as pending recordings.
func (c *Client) IngestChannel(index db.Index, handle string, after, before *time.Time) error {
	channelID, title, uploadsPlaylist, err := c.channelByHandle(handle)
	if err != nil {
		return err
	}
	log.Printf("[youtube] channel %q (%s)", title, channelID)

	videoIDs, err := c.playlistVideoIDs(uploadsPlaylist)
	if err != nil {
		return err
	}
	log.Printf("[youtube] found %d videos", len(videoIDs))

	totalInserted := 0
	for start := 0; start < len(videoIDs); start += metadataBatchSize {
		end := start + metadataBatchSize
		if end > len(videoIDs) {
			end = len(videoIDs)
		}

		rows, err := c.videoMetadata(videoIDs[start:end], channelID)
		if err != nil {
			return err
		}

		filtered := filterByDate(rows, after, before)
		log.Printf("[youtube] batch %d: %d/%d passed date filter",
			start/metadataBatchSize+1, len(filtered), len(rows))

		if len(filtered) == 0 {
			continue
		}
		if err := index.UpsertRecordings(filtered); err != nil {
			return err
		}
		totalInserted += len(filtered)
	}

	log.Printf("[youtube] upserted %d recordings", totalInserted)
	return nil
}

func (c *Client) channelByHandle(handle string) (id, title, uploadsPlaylist string, err error) {
	handle = strings.TrimPrefix(handle, "@")

	resp, err := c.service.Channels.List([]string{"id", "snippet", "contentDetails"}).
		ForHandle(handle).Do()
	if err != nil {
		return "", "", "", fmt.Errorf("channel lookup failed for @%s: %v", handle, err)
	}
	if len(resp.Items) == 0 {
		return "", "", "", fmt.Errorf("no channel found for handle @%s", handle)
	}

	item := resp.Items[0]
	return item.Id, item.Snippet.Title, item.ContentDetails.RelatedPlaylists.Uploads, nil
}

func (c *Client) playlistVideoIDs(playlistID string) ([]string, error) {
	var videoIDs []string
	pageToken := ""
	for {
		call := c.service.PlaylistItems.List([]string{"contentDetails"}).
			PlaylistId(playlistID).
			MaxResults(metadataBatchSize)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		resp, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("playlist page failed: %v", err)
		}
		for _, item := range resp.Items {
			videoIDs = append(videoIDs, item.ContentDetails.VideoId)
		}

		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}
	return videoIDs, nil
}

func (c *Client) videoMetadata(videoIDs []string, channelID string) ([]models.Recording, error) {
	resp, err := c.service.Videos.List([]string{"snippet", "contentDetails"}).
		Id(videoIDs...).Do()
	if err != nil {
		return nil, fmt.Errorf("video metadata fetch failed: %v", err)
	}

	rows := make([]models.Recording, 0, len(resp.Items))
	for _, item := range resp.Items {
		rows = append(rows, models.Recording{
			ID:          uuid.NewString(),
			ExternalID:  item.Id,
			ChannelID:   channelID,
			Title:       item.Snippet.Title,
			PublishedAt: item.Snippet.PublishedAt,
			DurationSec: parseISODuration(item.ContentDetails.Duration),
		})
	}
	return rows, nil
}

func filterByDate(rows []models.Recording, after, before *time.Time) []models.Recording {
	if after == nil && before == nil {
		return rows
	}

	filtered := rows[:0:0]
	for _, r := range rows {
		if r.PublishedAt == "" {
			continue
		}
		published, err := time.Parse(time.RFC3339, r.PublishedAt)
		if err != nil {
			continue
		}
		if after != nil && published.Before(*after) {
			continue
		}
		if before != nil && published.After(*before) {
			continue
		}
		filtered = append(filtered, r)
	}
	return filtered
}

// parseISODuration converts the API's ISO-8601 duration (PT1H2M3S) to
// seconds; malformed input yields 0.
func parseISODuration(s string) int {
	s = strings.TrimPrefix(s, "P")
	if s == "" {
		return 0
	}

	total := 0
	inTime := false
	num := ""
	for _, r := range s {
		switch {
		case r == 'T':
			inTime = true
		case r >= '0' && r <= '9':
			num += string(r)
		default:
			n, err := strconv.Atoi(num)
			num = ""
			if err != nil {
				continue
			}
			switch r {
			case 'D':
				total += n * 86400
			case 'H':
				total += n * 3600
			case 'M':
				if inTime {
					total += n * 60
				}
			case 'S':
				total += n
			}
		}
	}
	return total
}
