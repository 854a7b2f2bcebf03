package storage

import (
	"context"
	"fmt"
	"log"
	"os"

	gcs "google.golang.org/api/storage/v1"

	"speech-dedup/utils"
)

// Bucket wraps the Cloud Storage bucket that archives source audio.
// Uploads archive what is fingerprinted; the driver treats a failed
// upload as a failed download of that recording. The DSP core itself
// never touches object storage.
type Bucket struct {
	service *gcs.Service
	name    string
}

// NewBucket builds a client for the bucket named by GCS_AUDIO_BUCKET.
// Credentials come from the usual Google application-default chain.
func NewBucket(ctx context.Context) (*Bucket, error) {
	name := utils.GetEnv("GCS_AUDIO_BUCKET", "")
	if name == "" {
		return nil, fmt.Errorf("missing GCS_AUDIO_BUCKET env var for destination bucket")
	}

	service, err := gcs.NewService(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %v", err)
	}

	log.Printf("[storage] using bucket %s", name)
	return &Bucket{service: service, name: name}, nil
}

func (b *Bucket) Name() string {
	return b.name
}

// Upload stores a local file under objectName.
func (b *Bucket) Upload(ctx context.Context, localPath, objectName string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %v", localPath, err)
	}
	defer f.Close()

	obj := &gcs.Object{Name: objectName, ContentType: "audio/mpeg"}
	_, err = b.service.Objects.Insert(b.name, obj).Media(f).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to upload gs://%s/%s: %v", b.name, objectName, err)
	}

	log.Printf("[storage] uploaded gs://%s/%s", b.name, objectName)
	return nil
}

// Download fetches an object into destDir, returning the local path, or
// "" when the object doesn't exist.
func (b *Bucket) Download(ctx context.Context, destDir, objectName string) (string, error) {
	resp, err := b.service.Objects.Get(b.name, objectName).Context(ctx).Download()
	if err != nil {
		return "", nil // treat as missing; caller re-downloads from source
	}
	defer resp.Body.Close()

	if err := utils.CreateFolder(destDir); err != nil {
		return "", err
	}

	destPath := destDir + "/" + objectName
	out, err := os.Create(destPath)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %v", destPath, err)
	}
	defer out.Close()

	if _, err := out.ReadFrom(resp.Body); err != nil {
		os.Remove(destPath)
		return "", fmt.Errorf("failed to download gs://%s/%s: %v", b.name, objectName, err)
	}

	log.Printf("[storage] downloaded gs://%s/%s", b.name, objectName)
	return destPath, nil
}
