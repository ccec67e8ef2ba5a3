package classifier

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/banana-ripeness/internal/logging"
)

const maxResponseBytes = 4 << 20

// HTTPConfig addresses a hosted model as {BaseURL}/{Model}/{Version}.
type HTTPConfig struct {
	BaseURL string
	Model   string
	Version string
	APIKey  string
	// Timeout bounds a single call; zero means no timeout.
	Timeout time.Duration
}

// StatusError is returned when the service answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("classifier returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("classifier returned status %d: %s", e.StatusCode, e.Body)
}

// HTTPClient posts base64 encoded images to a hosted inference endpoint.
type HTTPClient struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   *zap.Logger
}

// NewHTTPClient builds a client for the hosted model described by cfg.
func NewHTTPClient(cfg HTTPConfig, logger *zap.Logger) *HTTPClient {
	endpoint := strings.TrimRight(cfg.BaseURL, "/") + "/" + url.PathEscape(cfg.Model) + "/" + url.PathEscape(cfg.Version)
	return &HTTPClient{
		endpoint: endpoint,
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   logger.Named("http_classifier"),
	}
}

// Classify sends the image once; failures are not retried.
func (c *HTTPClient) Classify(ctx context.Context, imagePath string) (RawResponse, error) {
	image, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, logging.NewOperationError("classifier.read_image", "", err)
	}

	target := c.endpoint
	if c.apiKey != "" {
		target += "?" + url.Values{"api_key": {c.apiKey}}.Encode()
	}

	body := strings.NewReader(base64.StdEncoding.EncodeToString(image))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, body)
	if err != nil {
		return nil, logging.NewOperationError("classifier.build_request", "", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		wrapped := logging.NewOperationError("classifier.http_classify", "", err)
		c.logger.Error("classifier call failed", zap.Error(wrapped), zap.String("endpoint", c.endpoint))
		return nil, wrapped
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, logging.NewOperationError("classifier.read_response", "", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: excerpt(payload)}
		c.logger.Error("classifier rejected request", zap.Int("status", resp.StatusCode), zap.String("endpoint", c.endpoint))
		return nil, statusErr
	}

	c.logger.Debug("classifier responded",
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(payload)),
		zap.Duration("latency", time.Since(start)),
	)
	return RawResponse(payload), nil
}

func excerpt(body []byte) string {
	const limit = 200
	text := strings.TrimSpace(string(body))
	if len(text) > limit {
		return text[:limit] + "..."
	}
	return text
}
