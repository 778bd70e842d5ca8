package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quorumfield/stabilizer-cli/internal/ledger"
)

var (
	ledgerPath  string
	ledgerTailN int
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Evidence ledger commands",
}

var ledgerVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Replay the hash chain and report the first corruption, if any",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ledgerPathOr(ledgerPath)
		res, err := ledger.Verify(path)
		if err != nil {
			return configErr(eris.Wrapf(err, "verify %s", path))
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return eris.Wrap(err, "encode result")
		}

		if !res.OK {
			return gatedErr(eris.Errorf("ledger corrupt at index %d: %s", res.FirstBadIndex, res.Reason))
		}
		return nil
	},
}

var ledgerTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print the last N ledger events",
	RunE: func(cmd *cobra.Command, args []string) error {
		events, err := ledger.Tail(ledgerPathOr(ledgerPath), ledgerTailN)
		if err != nil {
			return configErr(eris.Wrap(err, "tail ledger"))
		}
		enc := json.NewEncoder(os.Stdout)
		for _, ev := range events {
			if err := enc.Encode(ev); err != nil {
				return eris.Wrap(err, "encode event")
			}
		}
		return nil
	},
}

var ledgerAppendCmd = &cobra.Command{
	Use:   "append [json-payload]",
	Short: "Append one event with the given JSON payload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var payload map[string]any
		if err := json.Unmarshal([]byte(args[0]), &payload); err != nil {
			return configErr(eris.Wrap(err, "parse payload"))
		}

		led, err := ledger.Open(ledgerPathOr(ledgerPath))
		if err != nil {
			return configErr(eris.Wrap(err, "open ledger"))
		}
		defer led.Close()

		ev, err := led.Append(payload)
		if err != nil {
			return eris.Wrap(err, "append")
		}

		zap.L().Info("event appended",
			zap.Int64("sequence", ev.Sequence),
			zap.String("hash", ev.Hash),
		)
		fmt.Printf("%d %s\n", ev.Sequence, ev.Hash)
		return nil
	},
}

func init() {
	ledgerCmd.PersistentFlags().StringVar(&ledgerPath, "ledger", "", "evidence ledger path")
	ledgerTailCmd.Flags().IntVarP(&ledgerTailN, "lines", "n", 10, "number of events to print")
	ledgerCmd.AddCommand(ledgerVerifyCmd, ledgerTailCmd, ledgerAppendCmd)
	rootCmd.AddCommand(ledgerCmd)
}
