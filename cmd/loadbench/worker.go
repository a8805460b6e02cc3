package loadbench

import (
	"context"
	"sync"

	"github.com/edgeflare/loadbench/pkg/workqueue"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:     "worker",
	Aliases: []string{"w"},
	Short:   "Consume the work queue",
	Long: `Consumes the durable work queue with at most --prefetch items in flight.
Each item is logged, held for --delay and then acknowledged.`,
	RunE: runWorker,
}

func init() {
	f := workerCmd.Flags()
	f.String("queue", "", "queue to consume")
	f.Int("prefetch", 0, "maximum number of unacknowledged items in flight")
	f.String("ack-policy", "", "settle failed items with ack (always) or requeue them (on-success)")
	f.Duration("delay", 0, "simulated processing time per item")
	f.String("backend", "", "queue broker (rabbitmq or jetstream)")
	f.Bool("metrics", true, "Enable Prometheus metrics server")
	f.String("metrics-addr", "", "Prometheus metrics server address")

	bindFlags(workerCmd, map[string]string{
		"queue":        "queue.name",
		"prefetch":     "queue.prefetch",
		"ack-policy":   "queue.ackPolicy",
		"delay":        "queue.delay",
		"backend":      "queue.backend",
		"metrics":      "metrics.enabled",
		"metrics-addr": "metrics.addr",
	})
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	var wg sync.WaitGroup
	metricsCtx, cancelMetrics := context.WithCancel(context.Background())
	defer func() {
		cancelMetrics()
		wg.Wait()
	}()
	startMetrics(metricsCtx, &wg, cfg.Metrics)

	broker, err := dialBroker(cfg.Queue)
	if err != nil {
		return err
	}
	// closing the connection returns unacknowledged items to the queue
	defer broker.Close()

	w, err := workqueue.NewWorker(broker, cfg.Queue.WorkerConfig(),
		workqueue.DelayHandler(cfg.Queue.Delay, logger.Named("handler")), logger.Named("worker"))
	if err != nil {
		return err
	}

	if err := w.Run(ctx); err != nil {
		return err
	}
	logger.Info("Worker stopped")
	return nil
}
