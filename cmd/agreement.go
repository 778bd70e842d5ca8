package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quorumfield/stabilizer-cli/internal/agreement"
)

var (
	agreementNodes  []string
	agreementShared string
	agreementGate   bool
)

var agreementCmd = &cobra.Command{
	Use:   "agreement",
	Short: "Cross-node baseline agreement commands",
}

var agreementCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Compare the latest published baselines across nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodes := agreementNodes
		if len(nodes) == 0 {
			nodes = cfg.Agreement.Nodes
		}
		if len(nodes) == 0 {
			return configErr(eris.New("nodes are required (--nodes or agreement.nodes)"))
		}
		shared := agreementShared
		if shared == "" {
			shared = cfg.Agreement.SharedLocation
		}
		if shared == "" {
			return configErr(eris.New("shared location is required (--shared-location or agreement.shared_location)"))
		}

		report, err := agreement.Check(nodes, shared)
		if err != nil {
			return eris.Wrap(err, "agreement check")
		}

		zap.L().Info("agreement checked",
			zap.Int("expected", len(report.ExpectedNodes)),
			zap.Int("missing", len(report.MissingNodes)),
			zap.Int("groups", len(report.Groups)),
			zap.Bool("agreement", report.Agreement),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return eris.Wrap(err, "encode report")
		}

		if agreementGate && !report.Agreement {
			return gatedErr(eris.Errorf("nodes disagree: %d missing, %d root groups",
				len(report.MissingNodes), len(report.Groups)))
		}
		return nil
	},
}

func init() {
	agreementCheckCmd.Flags().StringSliceVar(&agreementNodes, "nodes", nil, "expected node ids")
	agreementCheckCmd.Flags().StringVar(&agreementShared, "shared-location", "", "shared publication directory")
	agreementCheckCmd.Flags().BoolVar(&agreementGate, "gate", false, "exit 1 on disagreement")
	agreementCmd.AddCommand(agreementCheckCmd)
	rootCmd.AddCommand(agreementCmd)
}
