package loadbench

import (
	"github.com/edgeflare/loadbench/pkg/stream"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Ensure the Kafka topic exists with enough partitions",
	Long: `Creates the topic when it is missing and adds partitions when it has fewer
than --partitions. Partitions are never removed.`,
	RunE: runProvision,
}

func init() {
	f := provisionCmd.Flags()
	f.String("topic", "", "topic to provision")
	f.Int32("partitions", 0, "minimum partition count")

	bindFlags(provisionCmd, map[string]string{
		"topic":      "kafka.topic",
		"partitions": "kafka.partitions",
	})
}

func runProvision(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	kafka, err := stream.Dial(&cfg.Kafka, logger.Named("kafka"))
	if err != nil {
		return err
	}
	defer kafka.Close()

	provisioner, err := kafka.NewProvisioner()
	if err != nil {
		return err
	}
	outcome, err := provisioner.EnsureStream(ctx, cfg.Kafka.Topic, cfg.Kafka.Partitions)
	if err != nil {
		return err
	}
	logger.Info("Topic ready",
		zap.String("topic", cfg.Kafka.Topic),
		zap.Int32("partitions", cfg.Kafka.Partitions),
		zap.Stringer("outcome", outcome))
	return nil
}
