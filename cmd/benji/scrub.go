package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/benji-backup/benji/internal/scrub"
)

func newScrubCmd(a *app) *cobra.Command  { return newSingleScrubCmd(a, "scrub", scrub.Light) }
func newDeepScrubCmd(a *app) *cobra.Command {
	return newSingleScrubCmd(a, "deep-scrub", scrub.Deep)
}

func newSingleScrubCmd(a *app, use string, mode scrub.Mode) *cobra.Command {
	var (
		percentage int
		sourceURI  string
	)
	cmd := &cobra.Command{
		Use:   use + " <version-uid>",
		Short: "Verify a Version's blocks (" + string(mode) + ")",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			version, err := a.store.GetVersion(ctx, args[0])
			if err != nil {
				return err
			}
			storage, err := a.storageReg.Get(version.Storage)
			if err != nil {
				return err
			}
			s := &scrub.Scrubber{Store: a.store, Storage: storage, Chain: a.chain, IO: a.ioReg, Logger: a.logger}
			res, err := s.Run(ctx, args[0], scrub.Config{Mode: mode, BlockPercentage: percentage, SourceURI: sourceURI})
			if err != nil {
				return err
			}
			return a.emit(res, func() {
				printf("Scrub %s: checked=%d skipped=%d mismatches=%d status=%s->%s\n",
					res.VersionUID, res.BlocksChecked, res.BlocksSkipped, res.Mismatches, res.StatusBefore, res.StatusAfter)
			})
		},
	}
	cmd.Flags().IntVar(&percentage, "block-percentage", 100, "percentage of blocks to sample (1-100)")
	if mode == scrub.Deep {
		cmd.Flags().StringVar(&sourceURI, "source", "", "live source URI to compare restored blocks against")
	}
	return cmd
}

func newBatchScrubCmd(a *app) *cobra.Command { return newBatchScrubCommand(a, "batch-scrub", scrub.Light) }
func newBatchDeepScrubCmd(a *app) *cobra.Command {
	return newBatchScrubCommand(a, "batch-deep-scrub", scrub.Deep)
}

func newBatchScrubCommand(a *app, use string, mode scrub.Mode) *cobra.Command {
	var (
		filter            string
		versionPercentage int
		blockPercentage   int
		storageName       string
	)
	cmd := &cobra.Command{
		Use:   use + " [filter-expression]",
		Short: "Verify a sample of Versions matching a filter (" + string(mode) + ")",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if len(args) == 1 {
				filter = args[0]
			}
			storage, err := a.storageReg.Get(a.storageName(storageName))
			if err != nil {
				return err
			}
			s := &scrub.Scrubber{Store: a.store, Storage: storage, Chain: a.chain, IO: a.ioReg, Logger: a.logger}
			results, err := s.RunBatch(ctx, time.Now().UTC(), scrub.BatchConfig{
				Filter:            filter,
				VersionPercentage: versionPercentage,
				ScrubConfig:       scrub.Config{Mode: mode, BlockPercentage: blockPercentage},
			})
			if err != nil {
				return err
			}
			return a.emit(results, func() {
				for _, res := range results {
					printf("%s: checked=%d mismatches=%d status=%s->%s\n", res.VersionUID, res.BlocksChecked, res.Mismatches, res.StatusBefore, res.StatusAfter)
				}
				printf("%d version(s) scrubbed\n", len(results))
			})
		},
	}
	cmd.Flags().IntVar(&versionPercentage, "version-percentage", 100, "percentage of matching versions to sample (1-100)")
	cmd.Flags().IntVar(&blockPercentage, "block-percentage", 100, "percentage of blocks to sample per version (1-100)")
	cmd.Flags().StringVar(&storageName, "storage", "", "storage to scrub (default: defaultStorage)")
	return cmd
}
