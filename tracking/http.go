package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// HTTPSink posts metric snapshots to an experiment-tracking sidecar.
type HTTPSink struct {
	config     HTTPSinkConfig
	httpClient *http.Client
	enabled    bool
}

// HTTPSinkConfig contains configuration for the HTTP sink
type HTTPSinkConfig struct {
	BaseURL       string        `json:"base_url"`
	Experiment    string        `json:"experiment"`
	APIKey        string        `json:"-"`
	Timeout       time.Duration `json:"timeout"`
	RetryAttempts int           `json:"retry_attempts"`
	RetryDelay    time.Duration `json:"retry_delay"`
}

// MetricsPayload is the body of POST {BaseURL}/api/metrics.
type MetricsPayload struct {
	Experiment string             `json:"experiment"`
	Iteration  int                `json:"iteration"`
	Metrics    map[string]float64 `json:"metrics"`
	Timestamp  time.Time          `json:"timestamp"`
}

// TrackingResponse represents the response from the tracking service
type TrackingResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	ErrorCode string `json:"error_code,omitempty"`
}

// DefaultHTTPSinkConfig returns default configuration for the HTTP sink
func DefaultHTTPSinkConfig() HTTPSinkConfig {
	return HTTPSinkConfig{
		BaseURL:       "http://localhost:8080",
		Experiment:    "layergan",
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    1 * time.Second,
	}
}

// NewHTTPSink creates an enabled HTTP sink.
func NewHTTPSink(config HTTPSinkConfig) *HTTPSink {
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = 1
	}
	return &HTTPSink{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		enabled: true,
	}
}

func (hs *HTTPSink) Enable()         { hs.enabled = true }
func (hs *HTTPSink) Disable()        { hs.enabled = false }
func (hs *HTTPSink) IsEnabled() bool { return hs.enabled }

// LogMetrics sends the snapshot, retrying failed attempts. A disabled sink
// drops the snapshot.
func (hs *HTTPSink) LogMetrics(ctx context.Context, iteration int, metrics map[string]float64) error {
	if !hs.enabled {
		return nil
	}

	body, err := json.Marshal(MetricsPayload{
		Experiment: hs.config.Experiment,
		Iteration:  iteration,
		Metrics:    metrics,
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		return errors.Wrap(err, "failed to marshal metrics")
	}

	var lastErr error
	for attempt := 0; attempt < hs.config.RetryAttempts; attempt++ {
		if lastErr = hs.send(ctx, body); lastErr == nil {
			return nil
		}
		if attempt < hs.config.RetryAttempts-1 {
			select {
			case <-time.After(hs.config.RetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return errors.Wrapf(lastErr, "failed to send metrics after %d attempts", hs.config.RetryAttempts)
}

func (hs *HTTPSink) send(ctx context.Context, body []byte) error {
	url := fmt.Sprintf("%s/api/metrics", hs.config.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "failed to create HTTP request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "go-layergan-training")
	if hs.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+hs.config.APIKey)
	}

	resp, err := hs.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to send HTTP request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "failed to read response body")
	}

	var tr TrackingResponse
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &tr); err != nil {
			return errors.Wrap(err, "failed to parse response JSON")
		}
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("HTTP request failed with status %d: %s", resp.StatusCode, tr.Message)
	}
	return nil
}

// CheckHealth checks if the tracking service is available
func (hs *HTTPSink) CheckHealth(ctx context.Context) error {
	if !hs.enabled {
		return errors.New("tracking sink is disabled")
	}

	url := fmt.Sprintf("%s/health", hs.config.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "failed to create health check request")
	}
	resp, err := hs.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to send health check request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("tracking service health check failed with status %d", resp.StatusCode)
	}
	return nil
}

func (hs *HTTPSink) Close() error {
	hs.httpClient.CloseIdleConnections()
	return nil
}
