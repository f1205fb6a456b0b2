package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/benji-backup/benji/internal/metadata"
)

func newStorageStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "storage-stats",
		Short: "Print row counts held in the metadata store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			versions, blocks, err := metadata.CountRows(ctx, a.store)
			if err != nil {
				return err
			}
			stats := storageStats{Versions: versions, Blocks: blocks}
			return a.emit(stats, func() {
				printf("versions: %d\n", stats.Versions)
				printf("blocks:   %d\n", stats.Blocks)
			})
		},
	}
}

type storageStats struct {
	Versions int `json:"versions"`
	Blocks   int `json:"blocks"`
}

func newStorageUsageCmd(a *app) *cobra.Command {
	var storageName string
	cmd := &cobra.Command{
		Use:   "storage-usage",
		Short: "Enumerate objects on a storage and report total bytes used",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			name := a.storageName(storageName)
			storage, err := a.storageReg.Get(name)
			if err != nil {
				return err
			}
			it, err := storage.List(ctx, "blocks/")
			if err != nil {
				return err
			}
			var objects int
			var bytes int64
			for {
				entry, ok, err := it.Next(ctx)
				if err != nil {
					return err
				}
				if !ok {
					break
				}
				sidecar, err := storage.GetMetadata(ctx, entry.Key)
				if err != nil {
					return err
				}
				objects++
				bytes += sidecar.TransformedSize
			}
			usage := storageUsage{Storage: name, Objects: objects, Bytes: bytes}
			return a.emit(usage, func() {
				printf("storage: %s\n", usage.Storage)
				printf("objects: %d\n", usage.Objects)
				printf("bytes:   %d\n", usage.Bytes)
			})
		},
	}
	cmd.Flags().StringVar(&storageName, "storage", "", "storage to inspect (default: defaultStorage)")
	return cmd
}

type storageUsage struct {
	Storage string `json:"storage"`
	Objects int    `json:"objects"`
	Bytes   int64  `json:"bytes"`
}

func newDatabaseInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "database-init",
		Short: "Create the metadata store's schema if it does not yet exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := metadata.Open(ctx, a.cfg.DatabaseEngine)
			if err != nil {
				return err
			}
			defer store.Close()
			return a.emit(map[string]string{"status": "initialized"}, func() {
				printf("Database schema initialized\n")
			})
		},
	}
}

func newDatabaseMigrateCmd(a *app) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "database-migrate",
		Short: "Re-apply the metadata store's additive schema statements and report row counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dryRun {
				return a.emit(map[string]bool{"dryRun": true}, func() {
					printf("[DRY RUN] Would apply the current schema statements and report row counts.\n")
				})
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			store, err := metadata.Open(ctx, a.cfg.DatabaseEngine)
			if err != nil {
				return err
			}
			defer store.Close()
			versions, blocks, err := metadata.CountRows(ctx, store)
			if err != nil {
				return err
			}
			result := storageStats{Versions: versions, Blocks: blocks}
			return a.emit(result, func() {
				printf("Migration completed: %d version(s), %d block(s)\n", versions, blocks)
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be migrated without applying schema changes")
	return cmd
}
