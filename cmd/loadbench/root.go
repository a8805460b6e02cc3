package loadbench

import (
	"fmt"
	"os"

	"github.com/edgeflare/loadbench/pkg/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	cfgFile  string
	logLevel string
	cfg      *config.Config
	logger   = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "loadbench",
	Short: "loadbench is a performance-testing harness for stores and brokers",
	Long: `loadbench times simple operations against PostgreSQL, Redis and MongoDB,
a partitioned Kafka topic and a durable work queue (RabbitMQ or NATS JetStream).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := bindCommandFlags(cmd); err != nil {
			return err
		}
		var err error
		cfg, err = config.Load(viper.GetViper(), cfgFile)
		if err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}
		level := logLevel
		if !cmd.Flags().Changed("log-level") && cfg.Log.Level != "" {
			level = cfg.Log.Level
		}
		logger, err = newLogger(level, cfg.Log.Development)
		if err != nil {
			return err
		}
		zap.ReplaceGlobals(logger)
		if used := viper.ConfigFileUsed(); used != "" {
			logger.Debug("Using config file", zap.String("path", used))
		}
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		versionFlag, _ := cmd.Flags().GetBool("version")
		if versionFlag {
			fmt.Println(config.Version)
			return
		}

		// If no subcommand is provided, print help
		cmd.Help()
	},
}

func Main() {
	defer func() { _ = logger.Sync() }()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/loadbench.yaml)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "L", "info", "log at this level (debug, info, warn, error, none)")
	rootCmd.Flags().BoolP("version", "v", false, "Print the version number")

	rootCmd.AddCommand(serveCmd, workerCmd, consumeCmd, produceCmd, enqueueCmd, provisionCmd, fireCmd)
}

// newLogger builds a JSON production logger, or a console logger when
// development is set. "none" discards everything.
func newLogger(level string, development bool) (*zap.Logger, error) {
	if level == "none" {
		return zap.NewNop(), nil
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	zc := zap.NewProductionConfig()
	if development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

// flagKeys maps each command's flags to the config keys they override.
var flagKeys = map[*cobra.Command]map[string]string{}

// bindFlags records which config key each flag of cmd overrides. Several
// commands share keys (every --topic is kafka.topic), so the binding is made
// only for the command that runs.
func bindFlags(cmd *cobra.Command, keys map[string]string) {
	flagKeys[cmd] = keys
}

func bindCommandFlags(cmd *cobra.Command) error {
	for flag, key := range flagKeys[cmd] {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}
	return nil
}
