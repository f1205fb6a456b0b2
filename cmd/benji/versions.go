package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/benji-backup/benji/internal/berrors"
	"github.com/benji-backup/benji/internal/config"
	"github.com/benji-backup/benji/internal/gc"
	"github.com/benji-backup/benji/internal/hashindex"
	"github.com/benji-backup/benji/internal/metadata"
	"github.com/benji-backup/benji/internal/types"
)

func newLsCmd(a *app) *cobra.Command {
	var volume string
	cmd := &cobra.Command{
		Use:   "ls [filter-expression]",
		Short: "List Versions matching an optional filter expression",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			filter := metadata.VersionFilter{Volume: volume}
			if len(args) == 1 {
				filter.Expression = args[0]
			}
			it, err := a.store.ListVersions(ctx, filter)
			if err != nil {
				return err
			}
			defer it.Close()

			var versions []types.Version
			for {
				v, ok, err := it.Next(ctx)
				if err != nil {
					return err
				}
				if !ok {
					break
				}
				versions = append(versions, v)
			}

			return a.emit(versions, func() {
				for _, v := range versions {
					printf("%s  %-20s %-10s %12d bytes  %s\n", v.UID, v.Volume, v.Status, v.Size, v.Date.Format(time.RFC3339))
				}
			})
		},
	}
	cmd.Flags().StringVar(&volume, "volume", "", "restrict to one volume name")
	return cmd
}

func newRmCmd(a *app) *cobra.Command {
	var (
		force        bool
		overrideLock bool
	)
	cmd := &cobra.Command{
		Use:   "rm <version-uid>",
		Short: "Remove a Version and queue its unique blocks for cleanup",
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
			held, err := a.locks.AcquireStorageExclusive(ctx, version.Storage, "rm "+args[0], overrideLock)
			if err != nil {
				return err
			}
			defer held.Release(ctx)

			g := &gc.GC{Store: a.store, Storage: storage, StorageName: version.Storage, Logger: a.logger}
			disallow := time.Duration(a.cfg.DisallowRemoveWhenYoungerDays) * 24 * time.Hour
			if err := g.Remove(ctx, args[0], time.Now().UTC(), disallow, force); err != nil {
				return err
			}
			return a.emit(map[string]string{"uid": args[0], "status": "removed"}, func() {
				printf("Version %s removed, blocks queued for cleanup\n", args[0])
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "remove even though the version is younger than disallowRemoveWhenYounger")
	cmd.Flags().BoolVar(&overrideLock, "override-lock", false, "delete a stale storage lock left by a crashed process before acquiring")
	return cmd
}

func newProtectCmd(a *app) *cobra.Command  { return newProtectionCmd(a, "protect", true) }
func newUnprotectCmd(a *app) *cobra.Command { return newProtectionCmd(a, "unprotect", false) }

func newProtectionCmd(a *app, use string, protected bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <version-uid>",
		Short: fmt.Sprintf("Set a Version's protected flag to %v", protected),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			version, err := a.store.GetVersion(ctx, args[0])
			if err != nil {
				return err
			}
			version.Protected = protected
			if err := a.store.UpdateVersion(ctx, version); err != nil {
				return err
			}
			return a.emit(version, func() {
				printf("Version %s protected=%v\n", version.UID, version.Protected)
			})
		},
	}
}

func newLabelCmd(a *app) *cobra.Command {
	var (
		set    []string
		remove []string
	)
	cmd := &cobra.Command{
		Use:   "label <version-uid>",
		Short: "Add, remove, or list labels on a Version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			version, err := a.store.GetVersion(ctx, args[0])
			if err != nil {
				return err
			}
			if version.Labels == nil {
				version.Labels = map[string]string{}
			}
			changed := len(set) > 0 || len(remove) > 0
			for _, kv := range set {
				parts := strings.SplitN(kv, "=", 2)
				if len(parts) != 2 {
					return fmt.Errorf("%w: --set value %q must be key=value", berrors.ErrConfig, kv)
				}
				version.Labels[parts[0]] = parts[1]
			}
			for _, k := range remove {
				delete(version.Labels, k)
			}
			if changed {
				if err := a.store.UpdateVersion(ctx, version); err != nil {
					return err
				}
			}
			return a.emit(version.Labels, func() {
				for k, v := range version.Labels {
					printf("%s=%s\n", k, v)
				}
			})
		},
	}
	cmd.Flags().StringArrayVar(&set, "set", nil, "key=value label to add or overwrite (repeatable)")
	cmd.Flags().StringArrayVar(&remove, "remove", nil, "label name to remove (repeatable)")
	return cmd
}

func newVersionInfoCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version-info",
		Short: "Print the resolved configuration and repository versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := versionInfo{
				ConfigurationVersion: a.cfg.ConfigurationVersion,
				BlockSize:            a.cfg.BlockSize,
				HashFunction:         string(hashindex.Blake2b256),
				MetadataSchema:       "2.0.0",
				DatabaseEngine:       redactEngine(a.cfg.DatabaseEngine),
				DefaultStorage:       a.cfg.DefaultStorage,
				Experimental:         config.ExperimentalEnabled(),
			}
			return a.emit(info, func() {
				printf("configurationVersion: %d\n", info.ConfigurationVersion)
				printf("blockSize: %d\n", info.BlockSize)
				printf("hashFunction: %s\n", info.HashFunction)
				printf("metadataSchema: %s\n", info.MetadataSchema)
				printf("databaseEngine: %s\n", info.DatabaseEngine)
				printf("defaultStorage: %s\n", info.DefaultStorage)
				printf("experimental: %v\n", info.Experimental)
			})
		},
	}
}

type versionInfo struct {
	ConfigurationVersion int    `json:"configurationVersion"`
	BlockSize            int64  `json:"blockSize"`
	HashFunction         string `json:"hashFunction"`
	MetadataSchema       string `json:"metadataSchema"`
	DatabaseEngine       string `json:"databaseEngine"`
	DefaultStorage       string `json:"defaultStorage"`
	Experimental         bool   `json:"experimental"`
}

func redactEngine(dsn string) string {
	for i := 0; i < len(dsn); i++ {
		if dsn[i] == '@' {
			return "***@" + dsn[i+1:]
		}
	}
	return dsn
}
