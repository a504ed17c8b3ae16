package recipes

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/jupark12/recipe-ingest/models"
)

const maxMediaBytes = 200 << 20

// objectPutter is the part of *minio.Client the mirror needs.
type objectPutter interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Media holds the mirrored copies of a post's media. Empty fields were not
// mirrored.
type Media struct {
	ThumbnailURL string
	VideoURL     string
}

// MediaMirror copies a post's thumbnail and video into a bucket so the
// recipe does not depend on short-lived platform CDN links.
type MediaMirror struct {
	putter  objectPutter
	bucket  string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewMediaMirror mirrors into bucket. publicURL is the prefix under which
// the bucket's objects are reachable; it defaults to <endpoint>/<bucket>.
func NewMediaMirror(client *minio.Client, bucket, publicURL string, logger *slog.Logger) *MediaMirror {
	if publicURL == "" {
		publicURL = client.EndpointURL().String() + "/" + bucket
	}
	return newMediaMirror(client, bucket, publicURL, logger)
}

func newMediaMirror(putter objectPutter, bucket, publicURL string, logger *slog.Logger) *MediaMirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &MediaMirror{
		putter:  putter,
		bucket:  bucket,
		baseURL: strings.TrimSuffix(publicURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Minute},
		logger:  logger,
	}
}

// MediaKey is the object key of a mirrored file.
func MediaKey(requesterID, jobID, name string) string {
	return "recipes/" + requesterID + "/" + jobID + "/" + name
}

// Mirror uploads the thumbnail and video of content. It never fails the
// job: every error is logged and leaves the matching URL empty.
func (m *MediaMirror) Mirror(ctx context.Context, requesterID, jobID string, content *models.ScrapedContent) Media {
	var out Media
	if content == nil {
		return out
	}
	log := m.logger.With("job_id", jobID)

	if content.ThumbnailURL != "" {
		u, err := m.copy(ctx, content.ThumbnailURL, MediaKey(requesterID, jobID, "thumbnail.jpg"), "image/jpeg")
		if err != nil {
			log.Warn("failed to mirror thumbnail, continuing", "err", err)
		} else {
			out.ThumbnailURL = u
		}
	}

	// Image posts report their picture as the media URL too.
	video := content.MediaURL
	if video == content.ThumbnailURL || slices.Contains(content.ImageURLs, video) {
		video = ""
	}
	if video != "" {
		u, err := m.copy(ctx, video, MediaKey(requesterID, jobID, "video.mp4"), "video/mp4")
		if err != nil {
			log.Warn("failed to mirror video, continuing", "err", err)
		} else {
			out.VideoURL = u
		}
	}
	return out
}

func (m *MediaMirror) copy(ctx context.Context, src, key, contentType string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", src, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: HTTP %d", src, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", src, err)
	}
	if len(body) > maxMediaBytes {
		return "", fmt.Errorf("%s is larger than %d bytes", src, maxMediaBytes)
	}

	_, err = m.putter.PutObject(ctx, m.bucket, key, bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("s3 put object %s: %w", key, err)
	}
	return m.baseURL + "/" + key, nil
}
