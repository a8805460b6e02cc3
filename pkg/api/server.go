// Package api is the HTTP surface of the load-testing harness. Every endpoint
// performs one measurable operation (a store benchmark, a work-queue enqueue
// or a stream batch) and reports how long it took.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/edgeflare/loadbench/pkg/httputil"
	"github.com/edgeflare/loadbench/pkg/httputil/middleware"
	"github.com/edgeflare/loadbench/pkg/store"
	"github.com/edgeflare/loadbench/pkg/stream"
	"github.com/edgeflare/loadbench/pkg/workqueue"
	"go.uber.org/zap"
)

const defaultMaxBodyBytes = 100 << 20

// Enqueuer submits work items; *workqueue.Client implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, payload []byte, opts ...workqueue.EnqueueOption) error
}

// Publisher sends stream batches; *stream.Producer implements it.
type Publisher interface {
	Publish(ctx context.Context, topic string, msgs []stream.Message) ([]stream.RecordMetadata, error)
}

// Options wires the server's dependencies. Nil dependencies disable the
// endpoints that need them; those answer 500.
type Options struct {
	Stores       *store.Registry
	Queue        Enqueuer
	QueueName    string
	Producer     Publisher
	Topic        string
	Logger       *zap.Logger
	MaxBodyBytes int64
	CORS         *middleware.CORSOptions
}

type Server struct {
	opts   Options
	logger *zap.Logger
	now    func() time.Time
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Stores == nil {
		opts.Stores = store.NewRegistry()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Server{opts: opts, logger: opts.Logger, now: time.Now}
}

// Register mounts the API under /api on r.
func (s *Server) Register(r *httputil.Router) {
	api := r.Group("/api")
	api.Use(
		middleware.RequestID,
		middleware.LoggerWithOptions(&middleware.LoggerOptions{Logger: s.logger}),
		middleware.CORSWithOptions(s.opts.CORS),
		s.limitBody,
	)

	api.HandleFunc("GET /test", s.hello)
	api.HandleFunc("GET /test-mq", s.enqueue)
	api.HandleFunc("POST /test-kafka", s.publish)
	api.HandleFunc("POST /{store}/populate", s.populate)
	api.HandleFunc("GET /{store}/retrieve/{key}", s.retrieve)
	api.HandleFunc("DELETE /{store}/clear", s.clear)
}

// Handler returns a router with the API mounted.
func (s *Server) Handler() http.Handler {
	r := httputil.NewRouter(httputil.WithLogger(s.logger))
	s.Register(r)
	return r
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) hello(w http.ResponseWriter, _ *http.Request) {
	httputil.Msg(w, http.StatusOK, "Hello, World!")
}

type populateRequest struct {
	EntryCount int `json:"entryCount"`
}

func (s *Server) populate(w http.ResponseWriter, r *http.Request) {
	st, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req populateRequest
	if err := httputil.BindOrError(r, w, &req); err != nil {
		return
	}
	if req.EntryCount <= 0 {
		httputil.Error(w, http.StatusBadRequest, "Invalid entry count")
		return
	}

	start := s.now()
	if err := st.Populate(r.Context(), req.EntryCount); err != nil {
		s.fail(w, r, err, "Error populating "+st.Name())
		return
	}
	httputil.Msg(w, http.StatusOK, fmt.Sprintf("%d entries inserted into %s in %s",
		req.EntryCount, st.Name(), FormatElapsed(s.now().Sub(start))))
}

func (s *Server) retrieve(w http.ResponseWriter, r *http.Request) {
	st, ok := s.lookup(w, r)
	if !ok {
		return
	}
	value, found, err := st.Retrieve(r.Context(), r.PathValue("key"))
	if err != nil {
		s.fail(w, r, err, "Error retrieving from "+st.Name())
		return
	}
	if !found {
		httputil.Msg(w, http.StatusOK, "Entry not found")
		return
	}
	httputil.Msg(w, http.StatusOK, "Found: "+value)
}

func (s *Server) clear(w http.ResponseWriter, r *http.Request) {
	st, ok := s.lookup(w, r)
	if !ok {
		return
	}
	n, err := st.Clear(r.Context())
	if err != nil {
		s.fail(w, r, err, "Error clearing "+st.Name())
		return
	}
	httputil.Msg(w, http.StatusOK, fmt.Sprintf("Cleared %d entries from %s", n, st.Name()))
}

// enqueue submits the JSON-encoded index query parameter as one work item.
func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	if s.opts.Queue == nil {
		httputil.Error(w, http.StatusInternalServerError, "Channel not available")
		return
	}
	payload, err := json.Marshal(r.URL.Query().Get("index"))
	if err != nil {
		s.fail(w, r, err, "Failed to encode request")
		return
	}
	if err := s.opts.Queue.Enqueue(r.Context(), s.opts.QueueName, payload); err != nil {
		if errors.Is(err, workqueue.ErrInvalidArgument) {
			httputil.Error(w, http.StatusBadRequest, err.Error())
			return
		}
		s.fail(w, r, err, "Failed to queue request")
		return
	}
	httputil.Msg(w, http.StatusOK, "Request queued")
}

type publishRequest struct {
	ReqCount int `json:"reqCount"`
}

func (s *Server) publish(w http.ResponseWriter, r *http.Request) {
	if s.opts.Producer == nil {
		httputil.Error(w, http.StatusInternalServerError, "Producer not available")
		return
	}
	var req publishRequest
	if err := httputil.BindOrError(r, w, &req); err != nil {
		return
	}
	msgs, err := stream.SyntheticBatch(req.ReqCount)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "Invalid request count")
		return
	}

	start := s.now()
	if _, err := s.opts.Producer.Publish(r.Context(), s.opts.Topic, msgs); err != nil {
		s.fail(w, r, err, "Failed to send messages to Kafka")
		return
	}
	httputil.Msg(w, http.StatusOK, fmt.Sprintf("%d requests sent to Kafka took %s seconds.",
		req.ReqCount, strconv.FormatFloat(s.now().Sub(start).Seconds(), 'f', 2, 64)))
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (store.Store, bool) {
	st, err := s.opts.Stores.Lookup(r.PathValue("store"))
	if err != nil {
		httputil.Error(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	return st, true
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error, message string) {
	middleware.Logger(r, s.logger).Error(message, zap.Error(err))
	status := http.StatusInternalServerError
	if errors.Is(err, store.ErrInvalidCount) {
		status = http.StatusBadRequest
	}
	httputil.Error(w, status, message)
}

// FormatElapsed renders d in milliseconds below one second and in seconds
// otherwise, with two decimals.
func FormatElapsed(d time.Duration) string {
	if d > time.Second {
		return fmt.Sprintf("%.2f s", d.Seconds())
	}
	return fmt.Sprintf("%.2f ms", float64(d)/float64(time.Millisecond))
}
