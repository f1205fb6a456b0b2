package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/benji-backup/benji/internal/gc"
)

func newCleanupCmd(a *app) *cobra.Command {
	var (
		storageName  string
		full         bool
		grace        time.Duration
		overrideLock bool
	)
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Physically delete blocks whose deletion candidates have aged past the grace window",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			name := a.storageName(storageName)
			storage, err := a.storageReg.Get(name)
			if err != nil {
				return err
			}
			held, err := a.locks.AcquireStorageExclusive(ctx, name, "cleanup", overrideLock)
			if err != nil {
				return err
			}
			defer held.Release(ctx)

			g := &gc.GC{Store: a.store, Storage: storage, StorageName: name, Logger: a.logger}

			var res gc.CleanupResult
			if full {
				res, err = g.FullSweep(ctx)
			} else {
				if grace <= 0 {
					grace = gc.DefaultGraceWindow
				}
				res, err = g.Cleanup(ctx, time.Now().UTC(), grace)
			}
			if err != nil {
				return err
			}
			return a.emit(res, func() {
				printf("Cleanup: examined=%d deleted=%d stillReferenced=%d\n", res.CandidatesExamined, res.ObjectsDeleted, res.StillReferenced)
			})
		},
	}
	cmd.Flags().StringVar(&storageName, "storage", "", "storage to clean (default: defaultStorage)")
	cmd.Flags().BoolVar(&full, "full", false, "enumerate every object on storage and remove orphans, instead of processing deletion candidates")
	cmd.Flags().DurationVar(&grace, "grace", 0, "grace window before a deletion candidate may be deleted (default 1h)")
	cmd.Flags().BoolVar(&overrideLock, "override-lock", false, "delete a stale storage lock left by a crashed process before acquiring")
	return cmd
}
