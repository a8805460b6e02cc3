package loadbench

import (
	"time"

	"github.com/edgeflare/loadbench/pkg/stream"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var produceCmd = &cobra.Command{
	Use:   "produce",
	Short: "Publish a synthetic batch to the Kafka topic",
	Long: `Publishes --count records keyed key-0..key-N-1 in one batch, spreading them
round-robin over the topic's partitions, and logs where each one landed.`,
	RunE: runProduce,
}

func init() {
	f := produceCmd.Flags()
	f.String("topic", "", "topic to publish to")
	f.IntP("count", "n", 10, "number of records in the batch")

	bindFlags(produceCmd, map[string]string{
		"topic": "kafka.topic",
	})
}

func runProduce(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	count, _ := cmd.Flags().GetInt("count")
	msgs, err := stream.SyntheticBatch(count)
	if err != nil {
		return err
	}

	kafka, err := stream.Dial(&cfg.Kafka, logger.Named("kafka"))
	if err != nil {
		return err
	}
	defer kafka.Close()

	producer, err := kafka.NewProducer()
	if err != nil {
		return err
	}
	defer producer.Close()

	start := time.Now()
	records, err := producer.Publish(ctx, cfg.Kafka.Topic, msgs)
	if err != nil {
		return err
	}
	for _, r := range records {
		logger.Debug("Record sent", zap.String("key", r.Key), zap.Int32("partition", r.Partition), zap.Int64("offset", r.Offset))
	}
	logger.Info("Batch sent",
		zap.String("topic", cfg.Kafka.Topic),
		zap.Int("records", len(records)),
		zap.Duration("took", time.Since(start)))
	return nil
}
