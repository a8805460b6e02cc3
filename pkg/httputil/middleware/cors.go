package middleware

import (
	"net/http"
	"slices"
	"strings"
)

// CORSOptions defines configuration for CORS.
type CORSOptions struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	AllowCredentials bool
}

// defaultCORSOptions allows any origin to call the API without credentials.
func defaultCORSOptions() *CORSOptions {
	return &CORSOptions{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Accept", "Origin", "X-Request-Id", "X-Requested-With"},
	}
}

// CORSWithOptions creates a CORS middleware. A nil options uses the
// permissive default; an empty CORSOptions{} sets no CORS headers at all.
//
// With "*" among the origins every caller gets Access-Control-Allow-Origin: *.
// Otherwise a listed origin is echoed back when it matches the request's
// Origin header. Preflight requests are answered with 204 without reaching
// the wrapped handler.
func CORSWithOptions(options *CORSOptions) func(http.Handler) http.Handler {
	if options == nil {
		options = defaultCORSOptions()
	}
	var (
		wildcard    = slices.Contains(options.AllowedOrigins, "*")
		methods     = strings.Join(options.AllowedMethods, ",")
		headers     = strings.Join(options.AllowedHeaders, ",")
		credentials = options.AllowCredentials
		origins     = slices.Clone(options.AllowedOrigins)
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			if wildcard {
				h.Set("Access-Control-Allow-Origin", "*")
			} else if origin := r.Header.Get("Origin"); origin != "" && slices.Contains(origins, origin) {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
			}
			if methods != "" {
				h.Set("Access-Control-Allow-Methods", methods)
			}
			if headers != "" {
				h.Set("Access-Control-Allow-Headers", headers)
			}
			if credentials {
				h.Set("Access-Control-Allow-Credentials", "true")
			}

			preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
			if preflight {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
