package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/benji-backup/benji/internal/gc"
	"github.com/benji-backup/benji/internal/metadata"
	"github.com/benji-backup/benji/internal/metrics"
	"github.com/benji-backup/benji/internal/retention"
	"github.com/benji-backup/benji/internal/types"
)

func newEnforceCmd(a *app) *cobra.Command {
	var (
		dryRun       bool
		force        bool
		overrideLock bool
	)
	cmd := &cobra.Command{
		Use:   "enforce <retention-policy> <volume-name>",
		Short: "Apply a retention policy to a Volume, removing Versions the policy no longer keeps",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			policy, err := retention.ParsePolicy(args[0])
			if err != nil {
				return err
			}
			volume := args[1]

			// Serializes policy application against a concurrent backup
			// creating new Versions of the same volume name.
			held, err := a.locks.Acquire(ctx, types.LockScopeGlobal, "enforce-"+volume, "enforce "+volume, overrideLock)
			if err != nil {
				return err
			}
			defer held.Release(ctx)

			it, err := a.store.ListVersions(ctx, metadata.VersionFilter{Volume: volume})
			if err != nil {
				return err
			}
			var versions []types.Version
			for {
				v, ok, err := it.Next(ctx)
				if err != nil {
					it.Close()
					return err
				}
				if !ok {
					break
				}
				versions = append(versions, v)
			}
			it.Close()

			timer := metrics.NewTimer()
			now := time.Now().UTC()
			disallow := time.Duration(a.cfg.DisallowRemoveWhenYoungerDays) * 24 * time.Hour
			decisions := retention.Evaluate(versions, policy, now, disallow)

			removed := 0
			for _, d := range decisions {
				if d.Keep || dryRun {
					continue
				}
				storage, err := a.storageReg.Get(d.Version.Storage)
				if err != nil {
					return err
				}
				g := &gc.GC{Store: a.store, Storage: storage, StorageName: d.Version.Storage, Logger: a.logger}
				if err := g.Remove(ctx, d.Version.UID, now, disallow, force); err != nil {
					return err
				}
				removed++
			}
			metrics.VersionsRemovedTotal.Add(float64(removed))
			timer.ObserveDuration(metrics.EnforceDuration)

			return a.emit(decisions, func() {
				for _, d := range decisions {
					action := "keep"
					if !d.Keep {
						action = "remove"
					}
					if dryRun {
						action = "would-" + action
					}
					printf("%s  %-10s %s (%s)\n", d.Version.UID, action, d.Version.Date.Format(time.RFC3339), d.Reason)
				}
				printf("%d version(s) removed\n", removed)
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print decisions without removing anything")
	cmd.Flags().BoolVar(&force, "force", false, "remove even versions younger than disallowRemoveWhenYounger")
	cmd.Flags().BoolVar(&overrideLock, "override-lock", false, "delete a stale enforce lock left by a crashed process before acquiring")
	return cmd
}
