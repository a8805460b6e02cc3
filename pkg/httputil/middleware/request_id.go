package middleware

import (
	"context"
	"net/http"

	"github.com/edgeflare/loadbench/pkg/httputil"
	"github.com/google/uuid"
)

const RequestIDHeader = "X-Request-Id"

// RequestID tags each request with an id and echoes it in the response
// header. An id already in the context is kept; otherwise a well-formed UUID
// from the X-Request-Id header is adopted, and anything else is replaced.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := httputil.RequestID(r)
		if id == "" {
			id = incomingOrNew(r.Header.Get(RequestIDHeader))
			r = r.WithContext(context.WithValue(r.Context(), httputil.RequestIDCtxKey, id))
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

func incomingOrNew(header string) string {
	if parsed, err := uuid.Parse(header); err == nil {
		return parsed.String()
	}
	return uuid.New().String()
}
