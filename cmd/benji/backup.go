package main

import (
	"strings"

	"github.com/cheggaaa/pb/v3"
	"github.com/spf13/cobra"

	"github.com/benji-backup/benji/internal/ioadapter"
	"github.com/benji-backup/benji/internal/pipeline"
)

func newBackupCmd(a *app) *cobra.Command {
	var (
		storageName string
		snapshot    string
		baseUID     string
		hintsFile   string
		transforms  string
		concurrency int
		batchSize   int
	)

	cmd := &cobra.Command{
		Use:   "backup <volume-name> <source-uri>",
		Short: "Back up a source image or device into a new Version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			volume, uri := args[0], args[1]

			storage, err := a.storageReg.Get(a.storageName(storageName))
			if err != nil {
				return err
			}
			held, err := a.locks.AcquireStorageShared(ctx, a.storageName(storageName), "backup "+volume)
			if err != nil {
				return err
			}
			defer held.Release(ctx)

			handle, err := a.ioReg.Open(ctx, uri, ioadapter.ModeRead)
			if err != nil {
				return err
			}
			defer handle.Close()

			names := a.transformNames()
			if transforms != "" {
				names = strings.Split(transforms, ",")
			}

			var hints ioadapter.HintIterator
			if hintsFile != "" {
				hints, err = ioadapter.LoadHintsFile(hintsFile)
				if err != nil {
					return err
				}
			}

			b := &pipeline.Backup{
				Store:   a.store,
				IO:      handle,
				Storage: storage,
				Chain:   a.chain,
				Guard:   a.guard,
				Locks:   a.locks,
				Logger:  a.logger,
			}

			if !a.machine {
				bar := pb.Full.Start64(0)
				defer bar.Finish()
				b.OnProgress = func(done, total int64) {
					bar.SetTotal(total)
					bar.SetCurrent(done)
				}
			}

			version, err := b.Run(ctx, pipeline.BackupConfig{
				Volume:         volume,
				Snapshot:       snapshot,
				StorageName:    a.storageName(storageName),
				BlockSize:      a.cfg.BlockSize,
				Transforms:     names,
				BaseVersionUID: baseUID,
				Hints:          hints,
				Concurrency:    concurrency,
				BatchSize:      batchSize,
			})
			if err != nil {
				return err
			}

			return a.emit(version, func() {
				printf("Backup completed: %s (volume=%s, size=%d, status=%s)\n", version.UID, version.Volume, version.Size, version.Status)
			})
		},
	}

	cmd.Flags().StringVar(&storageName, "storage", "", "storage to write to (default: defaultStorage)")
	cmd.Flags().StringVar(&snapshot, "snapshot", "", "snapshot name recorded on the Version")
	cmd.Flags().StringVar(&baseUID, "base", "", "base Version uid for a differential backup")
	cmd.Flags().StringVar(&hintsFile, "hints", "", "JSON hints file of changed regions (rbd diff --format=json compatible)")
	cmd.Flags().StringVar(&transforms, "transforms", "", "comma-separated transform names (default: every configured transform)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "parallel read/hash/store workers (default 4)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "Block rows per InsertBlocks call (default 500)")
	return cmd
}
