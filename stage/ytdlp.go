package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/jupark12/recipe-ingest/models"
)

// YtDlpScraper reads video metadata with a local yt-dlp binary. Nothing is
// downloaded; the direct media URL is taken from the JSON dump.
type YtDlpScraper struct {
	binaryPath string
}

func NewYtDlpScraper(binaryPath string) *YtDlpScraper {
	if binaryPath == "" {
		binaryPath = "yt-dlp"
	}
	return &YtDlpScraper{binaryPath: binaryPath}
}

type ytDlpInfo struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Uploader    string `json:"uploader"`
	URL         string `json:"url"`
	Thumbnail   string `json:"thumbnail"`
}

func (s *YtDlpScraper) Scrape(ctx context.Context, sourceURL string) (*models.ScrapedContent, error) {
	cmd := exec.CommandContext(ctx, s.binaryPath,
		"-j", "--no-warnings", "--no-playlist", "-f", "best[ext=mp4]/best", "--", sourceURL)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 512 {
			msg = msg[:512]
		}
		if strings.Contains(msg, "Unsupported URL") || strings.Contains(msg, "Private video") ||
			strings.Contains(msg, "Video unavailable") {
			return nil, fmt.Errorf("%w: yt-dlp: %s", ErrUnsupported, msg)
		}
		return nil, fmt.Errorf("%w: yt-dlp: %w: %s", ErrUnavailable, err, msg)
	}

	var info ytDlpInfo
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		return nil, fmt.Errorf("%w: yt-dlp output: %w", ErrMalformedOutput, err)
	}
	caption := strings.TrimSpace(info.Title + "\n" + info.Description)
	if caption == "" {
		return nil, fmt.Errorf("%w: yt-dlp returned no title or description", ErrMalformedOutput)
	}
	return &models.ScrapedContent{
		URL:          sourceURL,
		MediaURL:     info.URL,
		ThumbnailURL: info.Thumbnail,
		Caption:      caption,
		Author:       info.Uploader,
		Platform:     "youtube",
	}, nil
}
