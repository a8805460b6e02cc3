package loadbench

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/edgeflare/loadbench/pkg/config"
	"github.com/edgeflare/loadbench/pkg/metrics"
	"github.com/edgeflare/loadbench/pkg/store"
	"github.com/edgeflare/loadbench/pkg/workqueue"
	"github.com/edgeflare/loadbench/pkg/workqueue/jetstream"
	"github.com/edgeflare/loadbench/pkg/workqueue/rabbitmq"
	"go.uber.org/zap"
)

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// dialBroker connects to the configured work queue backend.
func dialBroker(c config.QueueConfig) (workqueue.Broker, error) {
	switch c.Backend {
	case config.BackendJetStream:
		b, err := jetstream.Dial(c.JetStream, logger.Named("jetstream"))
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.BackendRabbitMQ, "":
		b, err := rabbitmq.Dial(c.RabbitMQ, logger.Named("rabbitmq"))
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", c.Backend)
	}
}

// openStores connects to every enabled store. A store that cannot be reached
// is logged and left out, so its endpoints answer 404.
func openStores(ctx context.Context, c config.StoresConfig) *store.Registry {
	reg := store.NewRegistry()
	for _, name := range c.Enabled {
		var (
			s   store.Store
			err error
		)
		storeLogger := logger.Named(name)
		switch name {
		case "postgres":
			s, err = store.NewPostgres(ctx, c.Postgres, storeLogger)
		case "redis":
			s, err = store.NewRedis(ctx, c.Redis, storeLogger)
		case "mongo":
			s, err = store.NewMongo(ctx, c.Mongo, storeLogger)
		default:
			err = fmt.Errorf("%w: %s", store.ErrUnknownStore, name)
		}
		if err != nil {
			logger.Warn("Store unavailable", zap.String("store", name), zap.Error(err))
			continue
		}
		reg.Register(s)
	}
	return reg
}

// startMetrics serves Prometheus metrics until ctx is cancelled when enabled.
func startMetrics(ctx context.Context, wg *sync.WaitGroup, c config.MetricsConfig) {
	if !c.Enabled {
		return
	}
	metrics.StartPrometheusServer(ctx, wg, &metrics.PromServerOpts{
		Logger: logger.Named("metrics"),
		Addr:   c.Addr,
		Path:   c.Path,
	})
}
