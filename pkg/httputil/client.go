package httputil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// RequestConfig holds configuration for HTTP requests
type RequestConfig struct {
	Logger         *zap.Logger
	Client         *http.Client
	Headers        map[string][]string
	Method         string
	URL            string
	Timeout        time.Duration
	MaxRetries     uint64
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	RetryEnabled   bool
}

// DefaultRequestConfig returns a RequestConfig with sensible defaults
func DefaultRequestConfig(method, url string) RequestConfig {
	return RequestConfig{
		Method:         method,
		URL:            url,
		Timeout:        5 * time.Second,
		RetryEnabled:   true,
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
	}
}

// Response represents an HTTP response with additional metadata
type Response struct {
	Headers    http.Header
	Body       []byte
	StatusCode int
	Attempts   int
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d, body: %s", e.StatusCode, e.Body)
}

// Request performs an HTTP request, retrying transport errors and 5xx
// responses with exponential backoff when RetryEnabled is set. 4xx responses
// are not retried.
func Request(ctx context.Context, config RequestConfig, payload any) (*Response, error) {
	body, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}

	client := config.Client
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var response *Response
	attempts := 0

	operation := func() error {
		attempts++
		if attempts > 1 {
			logger.Debug("Retrying request", zap.String("url", config.URL), zap.Int("attempt", attempts))
		}

		// the body reader is consumed by each attempt
		var reqBody io.Reader
		if body != nil {
			reqBody = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, config.Method, config.URL, reqBody)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		for key, values := range config.Headers {
			for _, value := range values {
				req.Header.Add(key, value)
			}
		}
		if body != nil && req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}

		response = &Response{
			StatusCode: resp.StatusCode,
			Body:       respBody,
			Headers:    resp.Header,
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			statusErr := &StatusError{StatusCode: resp.StatusCode, Body: respBody}
			if resp.StatusCode < 500 {
				return backoff.Permanent(statusErr)
			}
			return statusErr
		}
		return nil
	}

	if config.RetryEnabled {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = config.InitialBackoff
		b.MaxInterval = config.MaxBackoff
		b.MaxElapsedTime = 0
		err = backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, config.MaxRetries), ctx))
	} else {
		err = operation()
	}

	if response != nil {
		response.Attempts = attempts
	}
	if err != nil {
		logger.Debug("Request failed", zap.String("url", config.URL), zap.Int("attempts", attempts), zap.Error(err))
		return response, err
	}
	return response, nil
}

func encodePayload(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		return b, nil
	}
}
