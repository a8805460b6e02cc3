package loadbench

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/edgeflare/loadbench/pkg/api"
	"github.com/edgeflare/loadbench/pkg/httputil"
	mw "github.com/edgeflare/loadbench/pkg/httputil/middleware"
	"github.com/edgeflare/loadbench/pkg/stream"
	"github.com/edgeflare/loadbench/pkg/workqueue"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Provisions the Kafka topic, connects to the stores and the work queue and
serves the benchmark endpoints under /api.`,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringP("listen", "l", "", "HTTP listen address")
	f.Bool("metrics", true, "Enable Prometheus metrics server")
	f.String("metrics-addr", "", "Prometheus metrics server address")
	f.String("topic", "", "Kafka topic the API publishes to")
	f.Int32("partitions", 0, "minimum partition count provisioned at startup")
	f.String("queue", "", "work queue the API enqueues to")
	f.StringSlice("stores", nil, "stores to connect to (postgres, redis, mongo)")

	bindFlags(serveCmd, map[string]string{
		"listen":       "http.listenAddr",
		"metrics":      "metrics.enabled",
		"metrics-addr": "metrics.addr",
		"topic":        "kafka.topic",
		"partitions":   "kafka.partitions",
		"queue":        "queue.name",
		"stores":       "stores.enabled",
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	var wg sync.WaitGroup
	metricsCtx, cancelMetrics := context.WithCancel(context.Background())
	defer func() {
		cancelMetrics()
		wg.Wait()
	}()
	startMetrics(metricsCtx, &wg, cfg.Metrics)

	kafka, err := stream.Dial(&cfg.Kafka, logger.Named("kafka"))
	if err != nil {
		return err
	}
	defer kafka.Close()

	provisioner, err := kafka.NewProvisioner()
	if err != nil {
		return err
	}
	if _, err := provisioner.EnsureStream(ctx, cfg.Kafka.Topic, cfg.Kafka.Partitions); err != nil {
		return fmt.Errorf("failed to provision topic %s: %w", cfg.Kafka.Topic, err)
	}

	producer, err := kafka.NewProducer()
	if err != nil {
		return err
	}
	defer producer.Close()

	opts := api.Options{
		Producer:     producer,
		Topic:        cfg.Kafka.Topic,
		QueueName:    cfg.Queue.Name,
		Logger:       logger.Named("http"),
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
	}
	if len(cfg.HTTP.AllowedOrigins) > 0 {
		opts.CORS = &mw.CORSOptions{
			AllowedOrigins: cfg.HTTP.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Accept", "Origin", "X-Request-Id"},
		}
	}

	// without a queue the enqueue endpoint answers 500, like a closed channel
	broker, err := dialBroker(cfg.Queue)
	if err != nil {
		logger.Error("Work queue unavailable", zap.String("backend", string(cfg.Queue.Backend)), zap.Error(err))
	} else {
		defer broker.Close()
		opts.Queue = workqueue.NewClient(broker, logger.Named("queue"))
	}

	opts.Stores = openStores(ctx, cfg.Stores)
	defer opts.Stores.Close()
	logger.Info("Stores ready", zap.Strings("stores", opts.Stores.Names()))

	routerOpts := []httputil.RouterOptions{
		httputil.WithLogger(logger.Named("http")),
		httputil.WithServerOptions(func(s *http.Server) {
			s.ReadHeaderTimeout = 10 * time.Second
		}),
	}
	switch {
	case cfg.HTTP.TLSSelfSigned:
		routerOpts = append(routerOpts, httputil.WithSelfSignedTLS(cfg.HTTP.TLSCertFile, cfg.HTTP.TLSKeyFile))
	case cfg.HTTP.TLSCertFile != "":
		routerOpts = append(routerOpts, httputil.WithTLS(cfg.HTTP.TLSCertFile, cfg.HTTP.TLSKeyFile))
	}
	router := httputil.NewRouter(routerOpts...)
	api.New(opts).Register(router)

	errCh := make(chan error, 1)
	go func() {
		if err := router.ListenAndServe(cfg.HTTP.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received termination signal, shutting down gracefully...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := router.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	logger.Info("Server gracefully stopped")
	return nil
}
