package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/spf13/cobra"

	"github.com/ab0utbla-k/audit-anomaly-detector/internal/app"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/baseline"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/config"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/dispatch"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/replay"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/scoring"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:           "replay",
		Short:         "Replay recorded audit logs through anomaly detection",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")

	logger := func() *slog.Logger {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}

	root.AddCommand(newRunCmd(logger), newTrainCmd(logger))
	return root
}

func newRunCmd(logger func() *slog.Logger) *cobra.Command {
	var deliver bool

	cmd := &cobra.Command{
		Use:   "run <file.jsonl>",
		Short: "Process a JSONL replay file and print a decision summary",
		Long: `Process every {"provider": "...", "record": {...}} line in file order.

Configuration is read from the same environment variables as the detector.
Alerts are logged unless --deliver sends them to the configured destination.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logger()

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			opts := app.Options{Service: "audit-replay"}
			if !deliver {
				opts.Sender = dispatch.NewLogSender(log)
			}

			var awsCfg aws.Config
			if cfg.NeedsAWS() {
				if awsCfg, err = loadAWSConfig(ctx, cfg); err != nil {
					return err
				}
			}

			detector, err := app.New(ctx, cfg, awsCfg, opts, log)
			if err != nil {
				return err
			}

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("cannot open replay file: %w", err)
			}
			defer f.Close()

			summary, runErr := replay.Run(ctx, f, detector.Pipeline, log)

			// Close every open suppression window so digests are emitted.
			detector.Pipeline.SweepSuppressions(ctx, detector.Baselines.Watermark().Add(cfg.SuppressionWindow))
			if err := detector.Pipeline.Shutdown(context.WithoutCancel(ctx)); err != nil {
				log.ErrorContext(ctx, "cannot shutdown pipeline", slog.String("error", err.Error()))
			}
			if err := summary.Write(cmd.OutOrStdout()); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().BoolVar(&deliver, "deliver", false, "send alerts to ALERT_DESTINATION instead of logging them")
	return cmd
}

func newTrainCmd(logger func() *slog.Logger) *cobra.Command {
	var (
		output  string
		version string
		opts    = scoring.DefaultForestOptions()
	)

	cmd := &cobra.Command{
		Use:   "train <file.jsonl>",
		Short: "Fit an isolation forest model on the behavior in a replay file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logger()

			baselines, err := baseline.NewStore(baseline.DefaultConfig(), log)
			if err != nil {
				return err
			}

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("cannot open replay file: %w", err)
			}
			defer f.Close()

			m, rows, err := replay.Train(ctx, f, baselines, version, opts, log)
			if err != nil {
				return err
			}

			var w io.Writer = cmd.OutOrStdout()
			if output != "" && output != "-" {
				out, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("cannot create model file: %w", err)
				}
				defer out.Close()
				w = out
			}

			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			if err := enc.Encode(m); err != nil {
				return fmt.Errorf("cannot write model: %w", err)
			}

			log.InfoContext(
				ctx,
				"trained model",
				slog.String("version", version),
				slog.Int("rows", rows),
				slog.Int("trees", opts.Trees),
			)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "-", "model file to write")
	cmd.Flags().StringVar(&version, "version", "forest-1", "model version to stamp")
	cmd.Flags().IntVar(&opts.Trees, "trees", opts.Trees, "number of trees")
	cmd.Flags().IntVar(&opts.SampleSize, "sample-size", opts.SampleSize, "rows sampled per tree")
	cmd.Flags().Uint64Var(&opts.Seed, "seed", opts.Seed, "random seed")
	return cmd
}

func loadAWSConfig(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return aws.Config{}, fmt.Errorf("cannot load aws config: %w", err)
	}
	return awsCfg, nil
}
