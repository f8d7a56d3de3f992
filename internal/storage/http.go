// Package storage implements the uploader used for payloads too large to send inline.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fastsdk/internal/apperrors"
	"fastsdk/internal/config"
	"fastsdk/pkg/backoff"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/docker/go-units"
)

// HTTPConfig holds configuration for the HTTP object store.
type HTTPConfig struct {
	BaseURL    string        // objects are PUT to BaseURL/<name>
	Token      string        // optional bearer token
	MaxRetries int           // retries for transient failures (default: 2)
	Timeout    time.Duration // per-request timeout (default: 5m)
}

// LoadHTTPConfigFromEnv loads object store configuration from environment variables.
// An empty BaseURL disables uploads.
func LoadHTTPConfigFromEnv() HTTPConfig {
	cfg := HTTPConfig{
		BaseURL:    config.GetEnv("STORAGE_URL", ""),
		Token:      config.GetSecretFile(config.GetEnv("STORAGE_TOKEN_FILE", "")),
		MaxRetries: config.GetIntEnv("STORAGE_RETRIES", 2),
		Timeout:    config.GetDurationEnv("STORAGE_TIMEOUT", 5*time.Minute),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c HTTPConfig) withDefaults() HTTPConfig {
	if c.MaxRetries < 0 {
		c.MaxRetries = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Minute
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	return c
}

// HTTPStore uploads objects with PUT and removes them with DELETE.
type HTTPStore struct {
	config HTTPConfig
	client *http.Client
	logger *slog.Logger
}

// NewHTTPStore creates an HTTP object store.
func NewHTTPStore(cfg HTTPConfig) (*HTTPStore, error) {
	cfg = cfg.withDefaults()
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid storage URL %q", cfg.BaseURL)
	}
	return &HTTPStore{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: slog.With("component", "storage", "host", parsed.Host),
	}, nil
}

// Upload stores data under name and returns the object URL.
// A JSON body with a "url" field overrides the returned reference.
func (s *HTTPStore) Upload(ctx context.Context, name string, data []byte) (string, error) {
	target := s.config.BaseURL + "/" + url.PathEscape(name)

	var ref string
	err := s.withRetry(ctx, "storage.upload", func() error {
		var err error
		ref, err = s.put(ctx, target, data)
		return err
	})
	if err != nil {
		return "", err
	}
	s.logger.Debug("Uploaded object", "name", name, "size", units.HumanSize(float64(len(data))))
	return ref, nil
}

// Delete removes a previously uploaded object. Missing objects are not an error.
func (s *HTTPStore) Delete(ctx context.Context, ref string) error {
	return s.withRetry(ctx, "storage.delete", func() error {
		return s.delete(ctx, ref)
	})
}

func (s *HTTPStore) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := backoff.Exponential(attempt, nil)
			s.logger.Debug("Retrying", "op", op, "attempt", attempt, "backoff", wait)
			if err := backoff.Wait(ctx, wait); err != nil {
				return apperrors.Network(op, 0, err)
			}
		}

		lastErr = fn()
		if lastErr == nil || !apperrors.IsTransient(lastErr) {
			return lastErr
		}
		s.logger.Warn("Storage request failed", "op", op, "attempt", attempt, "error", lastErr)
	}
	return lastErr
}

func (s *HTTPStore) put(ctx context.Context, target string, data []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(data))
	if err != nil {
		return "", apperrors.Internal("storage.upload", err)
	}
	req.ContentLength = int64(len(data))
	req.Header.Set("Content-Type", "application/octet-stream")
	s.authorize(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", apperrors.Network("storage.upload", 0, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := classify("storage.upload", resp.StatusCode, body); err != nil {
		return "", err
	}

	var located struct {
		URL string `json:"url"`
	}
	if json.Unmarshal(body, &located) == nil && located.URL != "" {
		return located.URL, nil
	}
	return target, nil
}

func (s *HTTPStore) delete(ctx context.Context, ref string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, ref, nil)
	if err != nil {
		return apperrors.Internal("storage.delete", err)
	}
	s.authorize(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return apperrors.Network("storage.delete", 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return classify("storage.delete", resp.StatusCode, body)
}

func (s *HTTPStore) authorize(req *http.Request) {
	if s.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.Token)
	}
}

// classify maps a response status to the error taxonomy.
func classify(op string, status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return apperrors.Network(op, status, fmt.Errorf("%s", strings.TrimSpace(string(body))))
	default:
		return apperrors.Service(op, status, fmt.Sprintf("status %d: %s", status, strings.TrimSpace(string(body))))
	}
}
