package datasource

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// ScreenshotSource captures a dashboard image for MLLM analysis. The
// capability is optional: construction failure or an empty URL disables the
// image branch of the pipeline without failing the runtime.
type ScreenshotSource struct {
	http   *resty.Client
	url    string
	logger *slog.Logger
}

// NewScreenshotSource creates a screenshot source for the given image URL.
// Returns an error when url is empty so callers can feature-gate the source.
func NewScreenshotSource(url string, timeout time.Duration, logger *slog.Logger) (*ScreenshotSource, error) {
	if url == "" {
		return nil, fmt.Errorf("screenshot source: no url configured")
	}
	return &ScreenshotSource{
		http:   resty.New().SetTimeout(timeout),
		url:    url,
		logger: logger.With("component", "screenshot-source"),
	}, nil
}

// Capture fetches the dashboard image bytes.
func (s *ScreenshotSource) Capture(ctx context.Context) ([]byte, error) {
	resp, err := s.http.R().SetContext(ctx).Get(s.url)
	if err != nil {
		return nil, fmt.Errorf("capture screenshot: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("capture screenshot: status %d", resp.StatusCode())
	}
	return resp.Body(), nil
}
