package metrics

import (
	"cmp"
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	RecordsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loadbench_stream_records_published_total",
			Help: "Total number of records acknowledged by the stream broker",
		},
		[]string{"topic"},
	)

	PublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loadbench_stream_publish_errors_total",
			Help: "Total number of failed batch sends by topic",
		},
		[]string{"topic"},
	)

	RecordsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loadbench_stream_records_consumed_total",
			Help: "Total number of records handed to the record handler",
		},
		[]string{"topic", "partition"},
	)

	ConsumeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loadbench_stream_handler_errors_total",
			Help: "Total number of record handler failures and panics",
		},
		[]string{"topic", "partition"},
	)

	ItemsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loadbench_queue_items_enqueued_total",
			Help: "Total number of work items accepted by the queue broker",
		},
		[]string{"queue"},
	)

	ItemsSettled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loadbench_queue_items_settled_total",
			Help: "Total number of work items settled by the worker, by outcome (ack, nack, abandoned)",
		},
		[]string{"queue", "outcome"},
	)

	ItemsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loadbench_queue_items_in_flight",
			Help: "Work items currently being processed",
		},
		[]string{"queue"},
	)

	HandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loadbench_queue_handler_duration_seconds",
			Help:    "Duration of work item handling",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	StoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loadbench_store_operation_duration_seconds",
			Help:    "Duration of store benchmark operations",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		},
		[]string{"store", "operation"},
	)
)

type PromServerOpts struct {
	Logger            *zap.Logger
	Addr              string
	Path              string        // Path for metrics endpoint, defaults to "/metrics"
	ShutdownTimeout   time.Duration // Timeout for server shutdown, defaults to 5 seconds
	ReadHeaderTimeout time.Duration // Timeout for reading request headers, defaults to 3 seconds
}

func defaultPrometheusServerOptions() PromServerOpts {
	return PromServerOpts{
		Addr:              ":9100",
		Path:              "/metrics",
		ShutdownTimeout:   5 * time.Second,
		ReadHeaderTimeout: 3 * time.Second,
	}
}

// StartPrometheusServer starts a Prometheus metrics server with the given options
// The server gracefully shutdown when the provided context is canceled
func StartPrometheusServer(ctx context.Context, wg *sync.WaitGroup, opts *PromServerOpts) {
	effectiveOpts := defaultPrometheusServerOptions()
	if opts != nil {
		effectiveOpts.Addr = cmp.Or(opts.Addr, effectiveOpts.Addr)
		effectiveOpts.Path = cmp.Or(opts.Path, effectiveOpts.Path)
		effectiveOpts.ShutdownTimeout = cmp.Or(opts.ShutdownTimeout, effectiveOpts.ShutdownTimeout)
		effectiveOpts.ReadHeaderTimeout = cmp.Or(opts.ReadHeaderTimeout, effectiveOpts.ReadHeaderTimeout)
		effectiveOpts.Logger = opts.Logger
	}
	logger := effectiveOpts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	mux := http.NewServeMux()
	mux.Handle(effectiveOpts.Path, promhttp.Handler())
	server := &http.Server{
		Addr:              effectiveOpts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: effectiveOpts.ReadHeaderTimeout,
	}

	serverClosed := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("Starting Prometheus metrics server", zap.String("addr", effectiveOpts.Addr))
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("Metrics server error", zap.Error(err))
		}
		close(serverClosed)
	}()

	go func() {
		<-ctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), effectiveOpts.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down metrics server", zap.Error(err))
		}

		select {
		case <-serverClosed:
			logger.Info("Metrics server shutdown complete")
		case <-shutdownCtx.Done():
			logger.Warn("Metrics server shutdown timed out")
		}
	}()
}
