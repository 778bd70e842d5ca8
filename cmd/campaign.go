package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quorumfield/stabilizer-cli/internal/campaign"
	"github.com/quorumfield/stabilizer-cli/internal/ledger"
	"github.com/quorumfield/stabilizer-cli/internal/loop"
	"github.com/quorumfield/stabilizer-cli/internal/policy"
	"github.com/quorumfield/stabilizer-cli/internal/store"
)

var (
	campaignBatches    int
	campaignIterations int
	campaignMaxRetries int
	campaignContinue   bool
	campaignOutRoot    string
	campaignPolicyPath string
	campaignLedgerPath string
	campaignEmitAlerts bool
	campaignGated      bool
	campaignRecord     bool
	campaignListLimit  int
)

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Batched campaign commands",
}

var campaignRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a resumable campaign of loop batches",
	Long:  "Runs batches 1..N of stabilization iterations. A batch whose output directory already holds the expected iteration count is skipped; a partial batch is discarded and re-run from scratch.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		pol, err := policy.Load(policyPathOr(campaignPolicyPath))
		if err != nil {
			return configErr(eris.Wrap(err, "load policy"))
		}

		led, err := ledger.Open(ledgerPathOr(campaignLedgerPath))
		if err != nil {
			return configErr(eris.Wrap(err, "open ledger"))
		}
		defer led.Close()

		outRoot := campaignOutRoot
		if outRoot == "" {
			outRoot = cfg.Campaign.OutRoot
		}

		var alerter *loop.Alerter
		if campaignEmitAlerts {
			alerter = loop.NewAlerter(outRoot, cfg.Alerts.WebhookURL)
		}

		ctrl, err := campaign.NewController(campaign.Config{
			Batches:            campaignBatches,
			IterationsPerBatch: campaignIterations,
			ContinueOnFail:     campaignContinue,
			OutRoot:            outRoot,
			Loop: loop.Config{
				MaxRetries:    campaignMaxRetries,
				RetryDelay:    time.Duration(cfg.Loop.RetryDelaySecs) * time.Second,
				MaxRetryDelay: time.Duration(cfg.Loop.MaxRetryDelaySecs) * time.Second,
				EmitAlerts:    campaignEmitAlerts,
			},
		}, pol, buildCollector(), led, alerter)
		if err != nil {
			return configErr(err)
		}

		var (
			st  store.Store
			run *store.CampaignRun
		)
		if campaignRecord {
			st, err = initStore(ctx)
			if err != nil {
				return configErr(err)
			}
			defer st.Close()
			run, err = st.CreateCampaign(ctx, outRoot, campaignBatches)
			if err != nil {
				return eris.Wrap(err, "record campaign start")
			}
		}

		res, err := ctrl.Run(ctx)
		if err != nil {
			return eris.Wrap(err, "campaign run")
		}

		if st != nil && run != nil {
			if err := st.CompleteCampaign(ctx, run.ID, res.FailedBatches); err != nil {
				return eris.Wrap(err, "record campaign result")
			}
		}

		zap.L().Info("campaign complete",
			zap.Int("batches", len(res.Batches)),
			zap.Int("failed", res.FailedBatches),
			zap.Bool("ledger_ok", res.LedgerVerify.OK),
		)
		fmt.Print(campaign.SummaryTable(res))

		if !res.LedgerVerify.OK {
			return gatedErr(eris.Errorf("ledger corrupt at index %d: %s",
				res.LedgerVerify.FirstBadIndex, res.LedgerVerify.Reason))
		}
		if campaignGated && res.FailedBatches > 0 {
			return gatedErr(eris.Errorf("%d of %d batches failed", res.FailedBatches, len(res.Batches)))
		}
		return nil
	},
}

var campaignListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded campaigns",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return configErr(err)
		}
		defer st.Close()

		runs, err := st.ListCampaigns(ctx, store.CampaignFilter{Limit: campaignListLimit})
		if err != nil {
			return eris.Wrap(err, "list campaigns")
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tBATCHES\tFAILED\tOUT\tUPDATED")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
				r.ID, r.Status, r.Batches, r.FailedBatches, r.OutRoot,
				r.UpdatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

func init() {
	campaignRunCmd.Flags().IntVar(&campaignBatches, "batches", 1, "number of batches")
	campaignRunCmd.Flags().IntVar(&campaignIterations, "iterations", 1, "iterations per batch")
	campaignRunCmd.Flags().IntVar(&campaignMaxRetries, "max-retries", 3, "retry budget per iteration")
	campaignRunCmd.Flags().BoolVar(&campaignContinue, "continue-on-fail", false, "run all batches even after a failure")
	campaignRunCmd.Flags().StringVar(&campaignOutRoot, "out", "", "campaign output root")
	campaignRunCmd.Flags().StringVar(&campaignPolicyPath, "policy", "", "policy document path")
	campaignRunCmd.Flags().StringVar(&campaignLedgerPath, "ledger", "", "evidence ledger path")
	campaignRunCmd.Flags().BoolVar(&campaignEmitAlerts, "emit-alerts", false, "write alert artifacts on failures")
	campaignRunCmd.Flags().BoolVar(&campaignGated, "gated", false, "exit 1 if any batch fails")
	campaignRunCmd.Flags().BoolVar(&campaignRecord, "record", false, "record the campaign in the store")
	campaignListCmd.Flags().IntVarP(&campaignListLimit, "limit", "n", 20, "max campaigns to list")
	campaignCmd.AddCommand(campaignRunCmd, campaignListCmd)
	rootCmd.AddCommand(campaignCmd)
}
