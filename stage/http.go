package stage

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxBodyBytes = 5 * 1024 * 1024

var defaultHTTPClient = &http.Client{
	Timeout: 2 * time.Minute,
}

// statusError maps a non-2xx response to one of the package sentinels.
func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(body))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: HTTP %d %s", ErrRateLimited, resp.StatusCode, msg)
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusRequestTimeout:
		return fmt.Errorf("%w: HTTP %d %s", ErrUnavailable, resp.StatusCode, msg)
	default:
		return fmt.Errorf("%w: HTTP %d %s", ErrUnsupported, resp.StatusCode, msg)
	}
}

// transportError wraps a failed round trip. Context errors stay visible to
// errors.Is so the executor can tell a timeout apart.
func transportError(err error) error {
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

// DetectPlatform returns "instagram", "tiktok", "youtube" or "" for other hosts.
func DetectPlatform(sourceURL string) string {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return ""
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	switch {
	case host == "instagram.com" || strings.HasSuffix(host, ".instagram.com") || host == "instagr.am":
		return "instagram"
	case host == "tiktok.com" || strings.HasSuffix(host, ".tiktok.com"):
		return "tiktok"
	case host == "youtube.com" || strings.HasSuffix(host, ".youtube.com") || host == "youtu.be":
		return "youtube"
	default:
		return ""
	}
}
