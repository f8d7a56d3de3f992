package cloudevent

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// SignatureHeader carries "sha256=<hex>" of the request body.
const SignatureHeader = "X-Signature-256"

// maxErrorBody bounds how much of a rejection is kept in an HTTPError.
const maxErrorBody = 512

// Sender posts events to one receiver. Events are signed when the sender
// has a key.
type Sender struct {
	client *http.Client
	url    string
	key    []byte
}

// NewSender returns a sender for the receiver at url. An empty key sends
// events unsigned.
func NewSender(url, key string, timeout time.Duration) *Sender {
	return &Sender{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     time.Minute,
			},
		},
		url: url,
		key: []byte(key),
	}
}

// Send delivers event once. A non-2xx answer is returned as *HTTPError.
func (s *Sender) Send(ctx context.Context, event *CloudEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", event.ID, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request for event %s: %w", event.ID, err)
	}
	req.Header = event.header()
	if len(s.key) > 0 {
		req.Header.Set(SignatureHeader, sign(body, s.key))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver event %s: %w", event.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	reason, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(reason))}
}

// Verify reports whether signature is what a sender keyed with key would
// put in SignatureHeader for body.
func Verify(body []byte, signature, key string) bool {
	return hmac.Equal([]byte(signature), []byte(sign(body, []byte(key))))
}

func sign(body, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// HTTPError is a delivery the receiver answered with a non-2xx status.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("receiver answered %d", e.StatusCode)
	}
	return fmt.Sprintf("receiver answered %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the same event may be accepted later. Client
// errors are final except 408 and 429.
func (e *HTTPError) Retryable() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return e.StatusCode < 400 || e.StatusCode >= 500
}

// Permanent reports whether err is a rejection that resending cannot fix.
func Permanent(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && !he.Retryable()
}
