package httputil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry(method, url string) RequestConfig {
	cfg := DefaultRequestConfig(method, url)
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	return cfg
}

func TestRequestSendsJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]int
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		Msg(w, http.StatusOK, fmt.Sprintf("got %d", body["reqCount"]))
	}))
	defer srv.Close()

	resp, err := Request(context.Background(), fastRetry(http.MethodPost, srv.URL), map[string]int{"reqCount": 5})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"message":"got 5"}`, string(resp.Body))
	assert.Equal(t, 1, resp.Attempts)
}

func TestRequestRetriesServerErrorsWithBody(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]int
		// every attempt must carry the full body
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, 3, body["entryCount"])
		if calls.Add(1) < 3 {
			Error(w, http.StatusServiceUnavailable, "busy")
			return
		}
		Msg(w, http.StatusOK, "ok")
	}))
	defer srv.Close()

	resp, err := Request(context.Background(), fastRetry(http.MethodPost, srv.URL), map[string]int{"entryCount": 3})
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Attempts)
}

func TestRequestDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		Error(w, http.StatusBadRequest, "Invalid entry count")
	}))
	defer srv.Close()

	resp, err := Request(context.Background(), fastRetry(http.MethodPost, srv.URL), map[string]int{"entryCount": 0})
	require.Error(t, err)
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRequestGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := fastRetry(http.MethodGet, srv.URL)
	cfg.MaxRetries = 2
	_, err := Request(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRequestWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := fastRetry(http.MethodGet, srv.URL)
	cfg.RetryEnabled = false
	_, err := Request(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}
