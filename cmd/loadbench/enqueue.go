package loadbench

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/edgeflare/loadbench/pkg/workqueue"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var enqueueCmd = &cobra.Command{
	Use:     "enqueue [payload]",
	Aliases: []string{"e"},
	Short:   "Submit work items to the queue",
	Long: `Submits --count items to the durable queue. Without a payload argument each
item carries its JSON-encoded index, like the /api/test-mq endpoint does.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEnqueue,
}

func init() {
	f := enqueueCmd.Flags()
	f.String("queue", "", "queue to submit to")
	f.String("backend", "", "queue broker (rabbitmq or jetstream)")
	f.IntP("count", "n", 1, "number of items to submit")
	f.Bool("transient", false, "publish without persistent delivery mode")

	bindFlags(enqueueCmd, map[string]string{
		"queue":   "queue.name",
		"backend": "queue.backend",
	})
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	count, _ := cmd.Flags().GetInt("count")
	if count < 1 {
		return fmt.Errorf("%w: count must be >= 1", workqueue.ErrInvalidArgument)
	}
	var opts []workqueue.EnqueueOption
	if transient, _ := cmd.Flags().GetBool("transient"); transient {
		opts = append(opts, workqueue.Transient())
	}

	broker, err := dialBroker(cfg.Queue)
	if err != nil {
		return err
	}
	defer broker.Close()
	client := workqueue.NewClient(broker, logger.Named("queue"))

	start := time.Now()
	for i := range count {
		payload, err := itemPayload(args, i)
		if err != nil {
			return err
		}
		if err := client.Enqueue(ctx, cfg.Queue.Name, payload, opts...); err != nil {
			return fmt.Errorf("item %d: %w", i, err)
		}
	}
	logger.Info("Items queued",
		zap.String("queue", cfg.Queue.Name),
		zap.Int("count", count),
		zap.Duration("took", time.Since(start)))
	return nil
}

func itemPayload(args []string, i int) ([]byte, error) {
	if len(args) > 0 {
		return []byte(args[0]), nil
	}
	return json.Marshal(fmt.Sprint(i))
}
