package loadbench

import (
	"os"

	"github.com/edgeflare/loadbench/pkg/stream"
	"github.com/spf13/cobra"
)

var consumeCmd = &cobra.Command{
	Use:     "consume",
	Aliases: []string{"c"},
	Short:   "Consume the Kafka topic as a group member",
	Long: `Joins the consumer group and logs the partition, offset, key and value of
every record. Run several instances to spread the partitions across them.`,
	RunE: runConsume,
}

func init() {
	f := consumeCmd.Flags()
	f.String("topic", "", "topic to consume")
	f.String("group", "", "consumer group id")
	f.String("from", "", "where a group without committed offsets starts (earliest or latest)")

	bindFlags(consumeCmd, map[string]string{
		"topic": "kafka.topic",
		"group": "kafka.groupID",
		"from":  "kafka.from",
	})
}

func runConsume(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	kafka, err := stream.Dial(&cfg.Kafka, logger.Named("kafka"))
	if err != nil {
		return err
	}
	defer kafka.Close()

	consumer := kafka.NewConsumer()
	defer consumer.Close()

	return consumer.Subscribe(ctx, cfg.Kafka.Topic, cfg.Kafka.From, stream.LogRecord(logger, os.Getpid()))
}
