package tokens

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/meeting-voice-lab/internal/logging"
)

const maxBody = 1 << 20

// post sends body to rawURL, retrying network failures and 5xx answers with
// exponential backoff. Any other non-2xx answer is returned as *StatusError
// straight away.
func (s *Service) post(ctx context.Context, name, rawURL string, body []byte, header http.Header) ([]byte, error) {
	attempts := s.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client := s.HTTP
	if client == nil {
		client = &http.Client{}
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-time.After(backoff(i)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		data, retry, err := s.once(ctx, client, name, rawURL, body, header, timeout)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !retry {
			return nil, err
		}
		logging.Debugw("tokens: upstream attempt failed", "provider", name, "attempt", i+1, "err", err)
	}
	logging.Warnw("tokens: upstream failed", "provider", name, "attempts", attempts, "err", lastErr)
	return nil, lastErr
}

func (s *Service) once(ctx context.Context, client *http.Client, name, rawURL string, body []byte, header http.Header, timeout time.Duration) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("tokens: %s request: %w", name, err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("tokens: %s: %w", name, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, true, fmt.Errorf("tokens: %s read: %w", name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resp.StatusCode >= 500, &StatusError{Provider: name, Status: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
	}
	return data, false, nil
}

func backoff(attempt int) time.Duration {
	return time.Duration(200*(1<<(attempt-1))) * time.Millisecond
}
