package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quorumfield/stabilizer-cli/internal/baseline"
)

var (
	baselineRoot       string
	baselineOut        string
	baselineDest       string
	baselineNode       string
	baselineExcludes   []string
	baselineMaxEntries int
	baselineRecord     bool
)

var baselineCmd = &cobra.Command{
	Use:   "baseline",
	Short: "Evidence baseline commands",
}

var baselineCaptureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Capture a content-addressed baseline of a file tree",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := captureBaseline()
		if err != nil {
			return err
		}

		if baselineOut != "" {
			pub, err := baseline.Publish(cmd.Context(), b, baselineOut, b.NodeID)
			if err != nil {
				return eris.Wrap(err, "write baseline artifacts")
			}
			zap.L().Info("baseline written",
				zap.String("summary", pub.SummaryPath),
				zap.String("entries", pub.EntriesPath),
			)
		}

		if baselineRecord {
			ctx := cmd.Context()
			st, err := initStore(ctx)
			if err != nil {
				return configErr(err)
			}
			defer st.Close()

			rec, err := st.RecordCapture(ctx, b)
			if err != nil {
				return eris.Wrap(err, "record capture")
			}
			if rec.Drifted {
				zap.L().Warn("baseline drifted since previous capture",
					zap.String("node", rec.NodeID),
					zap.String("previous_root", rec.PreviousRoot),
					zap.String("merkle_root", rec.MerkleRoot),
				)
			}
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(b.Summary())
	},
}

var baselinePublishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Capture and publish a baseline to the shared location",
	Long:  "Captures a fresh baseline and publishes its summary and entry list to the node's subdirectory under the shared location. Destinations may be local paths or ftp:// URLs. Publications are never overwritten.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		b, err := captureBaseline()
		if err != nil {
			return err
		}

		dest := baselineDest
		if dest == "" {
			dest = cfg.Baseline.SharedLocation
		}
		if dest == "" {
			return configErr(eris.New("destination is required (--dest or baseline.shared_location)"))
		}

		pub, err := baseline.Publish(ctx, b, dest, b.NodeID)
		if err != nil {
			return eris.Wrap(err, "publish baseline")
		}

		zap.L().Info("baseline published",
			zap.String("node", b.NodeID),
			zap.String("dest", dest),
			zap.String("merkle_root", b.MerkleRoot),
			zap.Int("entries", len(b.Entries)),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(pub)
	},
}

func captureBaseline() (*baseline.Baseline, error) {
	root := baselineRoot
	if root == "" {
		root = cfg.Baseline.Root
	}
	if root == "" {
		return nil, configErr(eris.New("root is required (--root or baseline.root)"))
	}

	excludes := baselineExcludes
	if len(excludes) == 0 {
		excludes = cfg.Baseline.Excludes
	}
	// The output directory is always excluded so a capture never
	// measures its own artifacts.
	if baselineOut != "" {
		excludes = append(excludes, baselineOut)
	}

	maxEntries := baselineMaxEntries
	if maxEntries <= 0 {
		maxEntries = cfg.Baseline.MaxEntries
	}

	b, err := baseline.Capture(root, excludes, maxEntries)
	if err != nil {
		return nil, eris.Wrap(err, "capture baseline")
	}
	b.NodeID = nodeIDOr(baselineNode)
	if b.Truncated {
		zap.L().Warn("baseline capped, not exhaustive",
			zap.Int("max_entries", maxEntries),
		)
	}
	return b, nil
}

func nodeIDOr(flag string) string {
	if flag != "" {
		return flag
	}
	if cfg.Baseline.NodeID != "" {
		return cfg.Baseline.NodeID
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

func init() {
	baselineCmd.PersistentFlags().StringVar(&baselineRoot, "root", "", "tree to capture")
	baselineCmd.PersistentFlags().StringVar(&baselineNode, "node", "", "node id (defaults to hostname)")
	baselineCmd.PersistentFlags().StringSliceVar(&baselineExcludes, "exclude", nil, "paths to exclude")
	baselineCmd.PersistentFlags().IntVar(&baselineMaxEntries, "max-entries", 0, "entry cap per capture")
	baselineCaptureCmd.Flags().StringVar(&baselineOut, "out", "", "directory for baseline artifacts")
	baselineCaptureCmd.Flags().BoolVar(&baselineRecord, "record", false, "record the capture in the store and report drift")
	baselinePublishCmd.Flags().StringVar(&baselineDest, "dest", "", "shared location (local path or ftp:// URL)")
	baselineCmd.AddCommand(baselineCaptureCmd, baselinePublishCmd)
	rootCmd.AddCommand(baselineCmd)
}
