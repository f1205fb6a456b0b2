package main

import (
	"github.com/spf13/cobra"

	"github.com/benji-backup/benji/internal/ioadapter"
	"github.com/benji-backup/benji/internal/pipeline"
)

func newRestoreCmd(a *app) *cobra.Command {
	var (
		storageName  string
		sparse       bool
		force        bool
		databaseLess bool
	)

	cmd := &cobra.Command{
		Use:   "restore <version-uid> <destination-uri>",
		Short: "Restore a Version onto a destination image or device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			versionUID, uri := args[0], args[1]

			storage, err := a.storageReg.Get(a.storageName(storageName))
			if err != nil {
				return err
			}

			handle, err := a.ioReg.Open(ctx, uri, ioadapter.ModeReadWrite)
			if err != nil {
				return err
			}
			defer handle.Close()

			r := &pipeline.Restore{
				Store:   a.store,
				IO:      handle,
				Storage: storage,
				Chain:   a.chain,
				Logger:  a.logger,
			}
			counters, err := r.Run(ctx, pipeline.RestoreConfig{
				VersionUID:   versionUID,
				Sparse:       sparse,
				Force:        force,
				DatabaseLess: databaseLess,
			})
			if err != nil {
				return err
			}

			return a.emit(counters, func() {
				printf("Restore completed: read=%d written=%d mismatches=%d\n", counters.BytesRead, counters.BytesWritten, counters.Mismatches)
			})
		},
	}

	cmd.Flags().StringVar(&storageName, "storage", "", "storage to read from (default: defaultStorage)")
	cmd.Flags().BoolVar(&sparse, "sparse", false, "skip writing zero bytes for sparse blocks")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite a non-empty destination")
	cmd.Flags().BoolVar(&databaseLess, "database-less", false, "restore from the storage-side version-metadata backup instead of the metadata store")
	return cmd
}
