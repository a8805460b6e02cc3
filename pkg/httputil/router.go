package httputil

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Middleware defines a function type that represents a middleware. Middleware functions wrap an
// http.Handler to modify or enhance its behavior.
type Middleware func(http.Handler) http.Handler

// RouterOptions is a function type that represents options to configure a Router.
type RouterOptions func(*Router)

// Router is a thin layer over http.ServeMux adding route groups and
// per-router middleware.
type Router struct {
	mux        *http.ServeMux
	server     *http.Server
	prefix     string
	middleware []Middleware
	logger     *zap.Logger
	mu         sync.RWMutex
	tlsErr     error
}

// NewRouter creates a new instance of Router with the given options.
func NewRouter(opts ...RouterOptions) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		server: &http.Server{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func WithLogger(logger *zap.Logger) RouterOptions {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithServerOptions returns a RouterOptions function that sets custom http.Server options.
func WithServerOptions(opts ...func(*http.Server)) RouterOptions {
	return func(r *Router) {
		for _, opt := range opts {
			opt(r.server)
		}
	}
}

// WithTLS serves HTTPS with the given key pair. A load failure is reported by
// ListenAndServe.
func WithTLS(certFile, keyFile string) RouterOptions {
	return func(r *Router) {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			r.tlsErr = fmt.Errorf("load TLS key pair: %w", err)
			return
		}
		r.setCertificate(cert)
	}
}

// WithSelfSignedTLS is WithTLS that generates a self-signed pair at the given
// paths when neither file exists.
func WithSelfSignedTLS(certFile, keyFile string, hosts ...string) RouterOptions {
	return func(r *Router) {
		cert, err := LoadOrGenerateCert(certFile, keyFile, hosts...)
		if err != nil {
			r.tlsErr = err
			return
		}
		r.setCertificate(cert)
	}
}

func (r *Router) setCertificate(cert tls.Certificate) {
	r.server.TLSConfig = &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}
}

// Use adds one or more middleware to the router. Middleware applies to routes
// registered after the call, in the order added.
func (r *Router) Use(mw Middleware, additional ...Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = append(r.middleware, mw)
	r.middleware = append(r.middleware, additional...)
}

// Group creates a new sub-router with a specified prefix. The sub-router inherits the middleware
// from its parent router.
func (r *Router) Group(prefix string) *Router {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return &Router{
		mux:        r.mux,
		middleware: slices.Clone(r.middleware),
		server:     r.server,
		prefix:     r.prefix + prefix,
		logger:     r.logger,
	}
}

// Handle registers handler for a "METHOD /pattern" route as introduced in
// [Routing Enhancements for Go 1.22](https://go.dev/blog/routing-enhancements).
// On a group with /prefix the route resolves to "METHOD /prefix/pattern".
// It panics on a pattern without a method, like http.ServeMux does on
// malformed patterns.
func (r *Router) Handle(methodPattern string, handler http.Handler) {
	method, pattern, ok := strings.Cut(methodPattern, " ")
	if !ok {
		panic(fmt.Sprintf("httputil: invalid method pattern %q", methodPattern))
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	finalHandler := handler
	for i := len(r.middleware) - 1; i >= 0; i-- {
		finalHandler = r.middleware[i](finalHandler)
	}
	r.mux.Handle(fmt.Sprintf("%s %s%s", method, r.prefix, pattern), finalHandler)
}

// HandleFunc is Handle for plain functions.
func (r *Router) HandleFunc(methodPattern string, fn http.HandlerFunc) {
	r.Handle(methodPattern, fn)
}

// ServeHTTP dispatches to the registered routes.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// ListenAndServe starts the server, serving HTTPS when WithTLS was given.
func (r *Router) ListenAndServe(addr string) error {
	if r.tlsErr != nil {
		return r.tlsErr
	}
	r.server.Addr = addr
	r.server.Handler = r.mux

	r.logger.Info("Starting HTTP server", zap.String("addr", addr), zap.Bool("tls", r.server.TLSConfig != nil))
	if r.server.TLSConfig != nil {
		return r.server.ListenAndServeTLS("", "")
	}
	return r.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (r *Router) Shutdown(ctx context.Context) error {
	r.logger.Info("Shutting down HTTP server")
	return r.server.Shutdown(ctx)
}
