package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"wisard/pkg"
	"wisard/pkg/api"
	"wisard/pkg/config"
	"wisard/pkg/model"
	"wisard/pkg/storage"

	"github.com/spf13/cobra"
)

func addHyperparameterFlags(cmd *cobra.Command, h *model.Hyperparameters) {
	cmd.Flags().Uint16VarP(&h.Hashtables, "hashtables", "", model.DefaultHashtables, "number of hashtables per discriminator")
	cmd.Flags().Uint16VarP(&h.AddrLength, "addr-length", "", model.DefaultAddrLength, "number of sample values per address")
	cmd.Flags().Uint16VarP(&h.Bleach, "bleach", "", model.DefaultBleach, "minimum count a table entry must exceed to vote")
	cmd.Flags().Uint32VarP(&h.TargetSize.Width, "width", "", 0, "input width (0 uses the sample length)")
	cmd.Flags().Uint32VarP(&h.TargetSize.Height, "height", "", 0, "input height (0 uses a single row)")
}

func TrainCommand() *cobra.Command {
	var trainingParameters pkg.TrainingParameters
	var modelParameters model.Hyperparameters

	var cmd = &cobra.Command{
		Use:   "train -i trainData -t labelColumn -o outputFile",
		Short: "Trains a new network on the provided training data and saves it",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if trainingParameters.DataFile == "" && trainingParameters.MNISTDir == "" {
				return fmt.Errorf("either --train-file or --mnist is required")
			}
			if trainingParameters.OutputFile == "" && trainingParameters.Checkpoint == "" {
				return fmt.Errorf("either --output-file or --checkpoint is required")
			}
			_, err := pkg.Train(trainingParameters, modelParameters)
			return err
		},
	}

	cmd.Flags().StringVarP(&trainingParameters.DataFile, "train-file", "i", "", "name of train file")
	cmd.Flags().StringVarP(&trainingParameters.LabelColumn, "label-column", "t", "label", "label column")
	cmd.Flags().StringVarP(&trainingParameters.MNISTDir, "mnist", "", "", "directory holding gzipped MNIST IDX files, replaces --train-file")
	cmd.Flags().StringVarP(&trainingParameters.MNISTPrefix, "mnist-prefix", "", "train", "MNIST file prefix")
	cmd.Flags().StringVarP(&trainingParameters.OutputFile, "output-file", "o", "", "name of the file to save the model to")
	cmd.Flags().IntVarP(&trainingParameters.ReportInterval, "report-interval", "r", 1000, "progress report interval in records")
	cmd.Flags().BoolVarP(&trainingParameters.Shuffle, "shuffle", "", false, "train in random order")
	cmd.Flags().Int64VarP(&trainingParameters.RndSeed, "random-seed", "x", 42, "random seed")
	cmd.Flags().Float64VarP(&trainingParameters.HoldOut, "hold-out", "", 0, "fraction of records held out for evaluation")
	cmd.Flags().StringVarP(&trainingParameters.Checkpoint, "checkpoint", "", "", "also store the model as this checkpoint")
	cmd.Flags().StringVarP(&trainingParameters.StorePath, "store", "", "wisard.db", "checkpoint database")
	cmd.Flags().IntVarP(&trainingParameters.Workers, "workers", "w", 0, "evaluation goroutines (0 uses every core)")
	addHyperparameterFlags(cmd, &modelParameters)

	return cmd
}

func TestCommand() *cobra.Command {
	var testParameters pkg.TestParameters

	var cmd = &cobra.Command{
		Use:   "test -m modelFile -i testFile [-o outputFile]",
		Short: "Runs the provided model on the specified data input and optionally writes the results",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if testParameters.ModelFile == "" && testParameters.Checkpoint == "" {
				return fmt.Errorf("either --model or --checkpoint is required")
			}
			return pkg.Test(testParameters)
		},
	}

	cmd.Flags().StringVarP(&testParameters.ModelFile, "model", "m", "", "name of model to test")
	cmd.Flags().StringVarP(&testParameters.DataFile, "input", "i", "", "name of data input file (optional, uses stdin if not present)")
	cmd.Flags().StringVarP(&testParameters.LabelColumn, "label-column", "t", "label", "label column")
	cmd.Flags().StringVarP(&testParameters.MNISTDir, "mnist", "", "", "directory holding gzipped MNIST IDX files, replaces --input")
	cmd.Flags().StringVarP(&testParameters.MNISTPrefix, "mnist-prefix", "", "t10k", "MNIST file prefix")
	cmd.Flags().StringVarP(&testParameters.OutputFile, "output", "o", "", "name of output file (optional)")
	cmd.Flags().StringVarP(&testParameters.Checkpoint, "checkpoint", "", "", "load the model from this checkpoint instead of --model")
	cmd.Flags().StringVarP(&testParameters.StorePath, "store", "", "wisard.db", "checkpoint database")
	cmd.Flags().IntVarP(&testParameters.Workers, "workers", "w", 0, "classification goroutines (0 uses every core)")

	return cmd
}

func ServeCommand() *cobra.Command {
	var configFile string
	var addr string
	var storePath string
	var modelFile string

	var cmd = &cobra.Command{
		Use:   "serve [--config file] [--addr address]",
		Short: "Serves a byte-sample network over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("log-level") && !cmd.Flags().Changed("log-format") {
				if err := configureLogging(cfg.Log.Level, cfg.Log.Format); err != nil {
					return err
				}
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if storePath != "" {
				cfg.Storage.Path = storePath
			}

			network, err := model.WithParams[uint8](cfg.Model.Hyperparameters())
			if err != nil {
				return fmt.Errorf("invalid model configuration: %w", err)
			}
			if modelFile != "" {
				if err := network.LoadFromFile(modelFile); err != nil {
					return fmt.Errorf("error loading model from file %s: %w", modelFile, err)
				}
			}

			var store storage.Store
			if cfg.Storage.Path != "" {
				sqlStore, err := storage.OpenSQLite(cfg.Storage.Path)
				if err != nil {
					return err
				}
				defer sqlStore.Close()
				store = sqlStore
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return api.NewServer(network, store, cfg.Server.MaxBodyBytes).ListenAndServe(ctx, cfg.Server.Addr)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "configuration file (default searches configs/wisard.yaml and wisard.yaml)")
	cmd.Flags().StringVarP(&addr, "addr", "a", "", "listen address, overrides the configuration")
	cmd.Flags().StringVarP(&storePath, "store", "", "", "checkpoint database, overrides the configuration")
	cmd.Flags().StringVarP(&modelFile, "model", "m", "", "model file to load at startup")

	return cmd
}

type modelInfo struct {
	Hashtables uint16             `json:"hashtables"`
	Addresses  uint16             `json:"addresses"`
	Bleach     uint16             `json:"bleach"`
	TargetSize model.Size         `json:"target_size"`
	Mapping    []int              `json:"mapping"`
	Patterns   int                `json:"patterns"`
	Labels     []model.LabelVotes `json:"labels"`
}

func InfoCommand() *cobra.Command {
	var modelFile string

	var cmd = &cobra.Command{
		Use:   "info -m modelFile",
		Short: "Prints the hyperparameters and label statistics of a saved model as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			network := model.New[float64]()
			if err := network.LoadFromFile(modelFile); err != nil {
				return fmt.Errorf("error loading model from file %s: %w", modelFile, err)
			}
			info, stats := network.Describe()
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(modelInfo{
				Hashtables: info.Hashtables,
				Addresses:  info.AddrLength,
				Bleach:     info.Bleach,
				TargetSize: info.TargetSize,
				Mapping:    info.Mapping,
				Patterns:   stats.Patterns,
				Labels:     stats.Labels,
			})
		},
	}

	cmd.Flags().StringVarP(&modelFile, "model", "m", "", "name of model to inspect")
	_ = cmd.MarkFlagRequired("model")

	return cmd
}

var logLevel string
var logFormat string

func main() {

	Main := &cobra.Command{Use: "wisard", PersistentPreRunE: setupLogging, SilenceUsage: true}

	Main.PersistentFlags().StringVarP(&logLevel, "log-level", "", "info", "Logging level: info error or debug")
	Main.PersistentFlags().StringVarP(&logFormat, "log-format", "", "pretty", "Logging format: pretty or json")

	Main.AddCommand(TrainCommand())
	Main.AddCommand(TestCommand())
	Main.AddCommand(ServeCommand())
	Main.AddCommand(InfoCommand())

	if err := Main.Execute(); err != nil {
		panic(err)
	}
}

func setupLogging(cmd *cobra.Command, args []string) error {
	return configureLogging(logLevel, logFormat)
}

func configureLogging(level, format string) error {
	switch level {
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	default:
		return fmt.Errorf("invalid logging level %q", level)
	}

	switch format {
	case "pretty":
		setupPrettyLogging()
	case "json":
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	default:
		return fmt.Errorf("invalid log format %q", format)
	}
	return nil
}

func setupPrettyLogging() {
	writer := zerolog.ConsoleWriter{Out: os.Stderr}
	writer.FormatFieldValue = func(i interface{}) string {
		switch v := i.(type) {
		case json.Number:
			val, _ := v.Float64()
			return fmt.Sprintf("%.3f", val)
		default:
			return fmt.Sprintf("%s", i)
		}

	}
	log.Logger = log.Output(writer)

}
