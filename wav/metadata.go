package wav

import (
	"fmt"
	"os/exec"

	"github.com/tidwall/gjson"
)

// Metadata is the subset of ffprobe's format output we care about.
type Metadata struct {
	Format FormatInfo
}

type FormatInfo struct {
	Filename string
	Duration string
	Tags     map[string]string
}

// GetMetadata probes an audio file's container tags (title, artist, …)
// via ffprobe's JSON output.
func GetMetadata(filePath string) (Metadata, error) {
	cmd := exec.Command(
		"ffprobe",
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		filePath,
	)

	out, err := cmd.Output()
	if err != nil {
		return Metadata{}, fmt.Errorf("ffprobe failed: %v", err)
	}

	format := gjson.GetBytes(out, "format")
	if !format.Exists() {
		return Metadata{}, fmt.Errorf("no format section in ffprobe output for %s", filePath)
	}

	tags := map[string]string{}
	format.Get("tags").ForEach(func(key, value gjson.Result) bool {
		tags[key.String()] = value.String()
		return true
	})

	return Metadata{
		Format: FormatInfo{
			Filename: format.Get("filename").String(),
			Duration: format.Get("duration").String(),
			Tags:     tags,
		},
	}, nil
}
