package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jupark12/recipe-ingest/models"
)

const DefaultApifyBaseURL = "https://api.apify.com/v2"

var apifyActors = map[string]string{
	"instagram": "shu8hvrXbJbY3Eb9W",
	"tiktok":    "OtzYfK1ndEGdwWFKQ",
}

func apifyInput(platform, sourceURL string) map[string]any {
	switch platform {
	case "instagram":
		return map[string]any{
			"directUrls":    []string{sourceURL},
			"resultsType":   "details",
			"resultsLimit":  1,
			"addParentData": false,
		}
	default:
		return map[string]any{
			"postURLs":                      []string{sourceURL},
			"shouldDownloadVideos":          true,
			"shouldDownloadCovers":          false,
			"shouldDownloadSubtitles":       false,
			"shouldDownloadSlideshowImages": false,
		}
	}
}

// ApifyScraper scrapes Instagram and TikTok posts by running Apify actors.
type ApifyScraper struct {
	token        string
	baseURL      string
	client       *http.Client
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewApifyScraper creates a scraper talking to baseURL, or the public Apify
// API when baseURL is empty.
func NewApifyScraper(token, baseURL string, logger *slog.Logger) *ApifyScraper {
	if baseURL == "" {
		baseURL = DefaultApifyBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ApifyScraper{
		token:        token,
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       defaultHTTPClient,
		pollInterval: 5 * time.Second,
		logger:       logger,
	}
}

// Scrape starts an actor run for the post, waits for it and parses the first
// dataset item.
func (s *ApifyScraper) Scrape(ctx context.Context, sourceURL string) (*models.ScrapedContent, error) {
	platform := DetectPlatform(sourceURL)
	actorID, ok := apifyActors[platform]
	if !ok {
		return nil, fmt.Errorf("%w: no scraper for %s", ErrUnsupported, sourceURL)
	}

	runID, err := s.startRun(ctx, actorID, apifyInput(platform, sourceURL))
	if err != nil {
		return nil, fmt.Errorf("start apify run: %w", err)
	}
	s.logger.Info("apify run started", "run_id", runID, "platform", platform)

	datasetID, err := s.waitRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	var items []apifyItem
	if err := s.getJSON(ctx, "/datasets/"+datasetID+"/items", &items); err != nil {
		return nil, fmt.Errorf("fetch apify dataset: %w", err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: apify returned no data for %s", ErrMalformedOutput, sourceURL)
	}

	content, err := items[0].content(platform, s.logger)
	if err != nil {
		return nil, err
	}
	content.URL = sourceURL
	return content, nil
}

func (s *ApifyScraper) startRun(ctx context.Context, actorID string, input map[string]any) (string, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint("/acts/"+actorID+"/runs"), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var out struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := s.do(req, &out); err != nil {
		return "", err
	}
	if out.Data.ID == "" {
		return "", fmt.Errorf("%w: run id missing", ErrMalformedOutput)
	}
	return out.Data.ID, nil
}

func (s *ApifyScraper) waitRun(ctx context.Context, runID string) (string, error) {
	for {
		var run struct {
			Data struct {
				Status           string `json:"status"`
				DefaultDatasetID string `json:"defaultDatasetId"`
			} `json:"data"`
		}
		if err := s.getJSON(ctx, "/actor-runs/"+runID, &run); err != nil {
			return "", fmt.Errorf("poll apify run %s: %w", runID, err)
		}

		switch run.Data.Status {
		case "SUCCEEDED":
			return run.Data.DefaultDatasetID, nil
		case "FAILED", "ABORTED", "TIMED-OUT":
			return "", fmt.Errorf("%w: apify run %s %s", ErrUnavailable, runID, run.Data.Status)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(s.pollInterval):
		}
	}
}

func (s *ApifyScraper) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint(path), nil)
	if err != nil {
		return err
	}
	return s.do(req, out)
}

func (s *ApifyScraper) do(req *http.Request, out any) error {
	resp, err := s.client.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %w", ErrMalformedOutput, err)
	}
	return nil
}

func (s *ApifyScraper) endpoint(path string) string {
	return s.baseURL + path + "?" + url.Values{"token": {s.token}}.Encode()
}

type apifyItem struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"errorDescription"`

	// Instagram
	Caption         string   `json:"caption"`
	OwnerUsername   string   `json:"ownerUsername"`
	Images          []string `json:"images"`
	Image           string   `json:"image"`
	DisplayURL      string   `json:"displayUrl"`
	ThumbnailURL    string   `json:"thumbnailUrl"`
	DownloadedVideo string   `json:"downloadedVideo"`
	VideoURL        string   `json:"videoUrl"`
	Owner           struct {
		Username string `json:"username"`
	} `json:"owner"`

	// TikTok
	Text      string `json:"text"`
	VideoMeta struct {
		DownloadAddr string `json:"downloadAddr"`
		CoverURL     string `json:"coverUrl"`
	} `json:"videoMeta"`
	AuthorMeta struct {
		Name     string `json:"name"`
		NickName string `json:"nickName"`
	} `json:"authorMeta"`
}

func (it apifyItem) content(platform string, logger *slog.Logger) (*models.ScrapedContent, error) {
	if it.Error != "" {
		msg := it.ErrorDescription
		if msg == "" {
			msg = it.Error
		}
		lower := strings.ToLower(msg)
		// Restricted posts still come back with partial data.
		if !strings.Contains(lower, "restricted") && !strings.Contains(lower, "partial") {
			return nil, fmt.Errorf("%w: apify: %s", ErrUnsupported, msg)
		}
		logger.Warn("apify returned partial data", "error", msg)
	}

	switch platform {
	case "instagram":
		images := it.Images
		if len(images) == 0 && it.Image != "" {
			images = []string{it.Image}
		}
		if len(images) == 0 {
			for _, u := range []string{it.DisplayURL, it.ThumbnailURL} {
				if u != "" {
					images = append(images, u)
				}
			}
		}
		author := it.OwnerUsername
		if author == "" {
			author = it.Owner.Username
		}
		return &models.ScrapedContent{
			MediaURL:     firstNonEmpty(it.DownloadedVideo, it.VideoURL, it.DisplayURL),
			ThumbnailURL: firstNonEmpty(it.ThumbnailURL, it.DisplayURL),
			Caption:      it.Caption,
			Author:       author,
			Platform:     platform,
			ImageURLs:    images,
		}, nil
	case "tiktok":
		return &models.ScrapedContent{
			MediaURL:     it.VideoMeta.DownloadAddr,
			ThumbnailURL: it.VideoMeta.CoverURL,
			Caption:      it.Text,
			Author:       firstNonEmpty(it.AuthorMeta.Name, it.AuthorMeta.NickName),
			Platform:     platform,
		}, nil
	default:
		return nil, fmt.Errorf("%w: platform %q", ErrUnsupported, platform)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
