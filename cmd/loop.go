package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quorumfield/stabilizer-cli/internal/ledger"
	"github.com/quorumfield/stabilizer-cli/internal/loop"
	"github.com/quorumfield/stabilizer-cli/internal/policy"
)

var (
	loopIterations int
	loopMaxRetries int
	loopInterval   time.Duration
	loopPolicyPath string
	loopLedgerPath string
	loopOutRoot    string
	loopGated      bool
	loopEmitAlerts bool
)

var loopCmd = &cobra.Command{
	Use:   "loop",
	Short: "Stabilization loop commands",
}

var loopRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run bounded stabilization iterations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		pol, err := policy.Load(policyPathOr(loopPolicyPath))
		if err != nil {
			return configErr(eris.Wrap(err, "load policy"))
		}

		led, err := ledger.Open(ledgerPathOr(loopLedgerPath))
		if err != nil {
			return configErr(eris.Wrap(err, "open ledger"))
		}
		defer led.Close()

		collector := buildCollector()

		outRoot := loopOutRoot
		if outRoot == "" {
			outRoot = cfg.Loop.OutRoot
		}
		var alerter *loop.Alerter
		if loopEmitAlerts {
			alerter = loop.NewAlerter(outRoot, cfg.Alerts.WebhookURL)
		}

		runner := loop.NewRunner(loop.Config{
			Iterations:    loopIterations,
			MaxRetries:    loopMaxRetries,
			Interval:      loopInterval,
			RetryDelay:    time.Duration(cfg.Loop.RetryDelaySecs) * time.Second,
			MaxRetryDelay: time.Duration(cfg.Loop.MaxRetryDelaySecs) * time.Second,
			EmitAlerts:    loopEmitAlerts,
			OutRoot:       outRoot,
		}, pol, collector, led, alerter)

		res, err := runner.Run(ctx)
		if err != nil {
			return eris.Wrap(err, "loop run")
		}

		zap.L().Info("loop complete",
			zap.Int("iterations", len(res.Iterations)),
			zap.Int("failed", res.Failed),
			zap.Bool("stopped", res.Stopped),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return eris.Wrap(err, "encode result")
		}

		if loopGated && res.Failed > 0 {
			return gatedErr(eris.Errorf("%d of %d iterations failed", res.Failed, len(res.Iterations)))
		}
		return nil
	},
}

func init() {
	loopRunCmd.Flags().IntVar(&loopIterations, "iterations", 1, "number of iterations to run")
	loopRunCmd.Flags().IntVar(&loopMaxRetries, "max-retries", 3, "retry budget per iteration for SOFT_FAIL/UNKNOWN")
	loopRunCmd.Flags().DurationVar(&loopInterval, "interval", 0, "pause between iterations")
	loopRunCmd.Flags().StringVar(&loopPolicyPath, "policy", "", "policy document path")
	loopRunCmd.Flags().StringVar(&loopLedgerPath, "ledger", "", "evidence ledger path")
	loopRunCmd.Flags().StringVar(&loopOutRoot, "out", "", "output directory for iteration records")
	loopRunCmd.Flags().BoolVar(&loopGated, "gated", false, "exit 1 if any iteration fails")
	loopRunCmd.Flags().BoolVar(&loopEmitAlerts, "emit-alerts", false, "write alert artifacts on HARD_FAIL and retry exhaustion")
	loopCmd.AddCommand(loopRunCmd)
	rootCmd.AddCommand(loopCmd)
}
