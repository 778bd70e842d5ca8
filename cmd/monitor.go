package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quorumfield/stabilizer-cli/internal/ledger"
)

var (
	monitorInterval time.Duration
	monitorStream   string
	monitorOnce     bool
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Run the monitoring sidecar",
	Long:  "Periodically collects the configured signals and verifies the main ledger, appending observations to the sidecar's own hash-chained stream. The main ledger is only ever read here; concurrent writers to one ledger file are unsupported.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		stream := monitorStream
		if stream == "" {
			stream = cfg.Monitor.StreamPath
		}
		if stream == cfg.Ledger.Path {
			return configErr(eris.New("monitor stream must not be the main ledger"))
		}

		out, err := ledger.Open(stream)
		if err != nil {
			return configErr(eris.Wrap(err, "open monitor stream"))
		}
		defer out.Close()

		interval := monitorInterval
		if interval <= 0 {
			interval = time.Duration(cfg.Monitor.IntervalSecs) * time.Second
		}

		collector := buildCollector()
		log := zap.L().With(zap.String("component", "monitor"))

		observe := func() error {
			set := collector.Collect(ctx)

			verify, err := ledger.Verify(cfg.Ledger.Path)
			if err != nil {
				log.Warn("ledger not readable", zap.Error(err))
			}

			payload := map[string]any{
				"type":    "monitor_observation",
				"signals": set.PolicyInput(),
			}
			if degraded := set.Degraded(); len(degraded) > 0 {
				payload["degraded_signals"] = degraded
			}
			if err == nil {
				payload["ledger_ok"] = verify.OK
				payload["ledger_events"] = verify.Total
				if !verify.OK {
					payload["first_bad_index"] = verify.FirstBadIndex
					log.Error("main ledger corrupt",
						zap.Int("first_bad_index", verify.FirstBadIndex),
						zap.String("reason", verify.Reason),
					)
				}
			}

			ev, appendErr := out.Append(payload)
			if appendErr != nil {
				return eris.Wrap(appendErr, "append observation")
			}
			log.Info("observation recorded", zap.Int64("sequence", ev.Sequence))
			return nil
		}

		if err := observe(); err != nil {
			return err
		}
		if monitorOnce {
			return nil
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Info("monitor stopped")
				return nil
			case <-ticker.C:
				if err := observe(); err != nil {
					return err
				}
			}
		}
	},
}

func init() {
	monitorCmd.Flags().DurationVar(&monitorInterval, "interval", 0, "observation interval (defaults to monitor.interval_secs)")
	monitorCmd.Flags().StringVar(&monitorStream, "stream", "", "sidecar stream path (defaults to monitor.stream_path)")
	monitorCmd.Flags().BoolVar(&monitorOnce, "once", false, "record one observation and exit")
	rootCmd.AddCommand(monitorCmd)
}
