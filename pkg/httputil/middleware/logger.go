package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/edgeflare/loadbench/pkg/httputil"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ResponseRecorder is a wrapper for http.ResponseWriter to capture status codes and response size.
type ResponseRecorder struct {
	http.ResponseWriter
	StatusCode int
	Bytes      int
}

func NewResponseRecorder(w http.ResponseWriter) *ResponseRecorder {
	return &ResponseRecorder{
		ResponseWriter: w,
		StatusCode:     http.StatusOK,
	}
}

func (rr *ResponseRecorder) WriteHeader(statusCode int) {
	rr.StatusCode = statusCode
	rr.ResponseWriter.WriteHeader(statusCode)
}

func (rr *ResponseRecorder) Write(b []byte) (int, error) {
	n, err := rr.ResponseWriter.Write(b)
	rr.Bytes += n
	return n, err
}

// LoggerOptions defines configuration for the logger middleware.
type LoggerOptions struct {
	Logger *zap.Logger
	Format func(reqID string, rec *ResponseRecorder, r *http.Request, latency time.Duration) []zap.Field
}

func defaultFormat(reqID string, rec *ResponseRecorder, r *http.Request, latency time.Duration) []zap.Field {
	return []zap.Field{
		zap.String("req_id", reqID),
		zap.Int("status", rec.StatusCode),
		zap.String("method", r.Method),
		zap.String("url", r.URL.String()),
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("user_agent", r.UserAgent()),
		zap.Int("bytes", rec.Bytes),
		zap.Duration("latency", latency),
	}
}

// LoggerWithOptions logs one "response" entry per request and stores a
// request-scoped logger in the context for handlers (see Logger). With nil
// options the global zap logger is used.
func LoggerWithOptions(options *LoggerOptions) func(http.Handler) http.Handler {
	if options == nil {
		options = &LoggerOptions{}
	}
	if options.Logger == nil {
		options.Logger = zap.L()
	}
	if options.Format == nil {
		options.Format = defaultFormat
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := r.Context().Value(httputil.LogEntryCtxKey).(*zap.Logger); ok {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			reqID, ok := r.Context().Value(httputil.RequestIDCtxKey).(string)
			if !ok {
				reqID = uuid.Nil.String()
			}

			rec := NewResponseRecorder(w)
			scoped := options.Logger.With(zap.String("req_id", reqID))
			ctx := context.WithValue(r.Context(), httputil.LogEntryCtxKey, scoped)
			next.ServeHTTP(rec, r.WithContext(ctx))

			options.Logger.Info("response", options.Format(reqID, rec, r, time.Since(start))...)
		})
	}
}

// Logger returns the request-scoped logger, or fallback when the request did
// not pass through LoggerWithOptions.
func Logger(r *http.Request, fallback *zap.Logger) *zap.Logger {
	if l, ok := r.Context().Value(httputil.LogEntryCtxKey).(*zap.Logger); ok {
		return l
	}
	if fallback == nil {
		return zap.NewNop()
	}
	return fallback
}
