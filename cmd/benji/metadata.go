package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/benji-backup/benji/internal/metadata"
	"github.com/benji-backup/benji/internal/pipeline"
)

func newMetadataExportCmd(a *app) *cobra.Command {
	var (
		volume     string
		outputFile string
	)
	cmd := &cobra.Command{
		Use:   "metadata-export [filter-expression]",
		Short: "Export Version and Block rows matching a filter to a JSON document",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			filter := metadata.VersionFilter{Volume: volume}
			if len(args) == 1 {
				filter.Expression = args[0]
			}
			data, err := pipeline.ExportVersionsJSON(ctx, a.store, filter)
			if err != nil {
				return err
			}
			if outputFile == "" || outputFile == "-" {
				_, err = os.Stdout.Write(data)
				return err
			}
			return os.WriteFile(outputFile, data, 0o644)
		},
	}
	cmd.Flags().StringVar(&volume, "volume", "", "restrict to one volume name")
	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "file to write to (default: stdout)")
	return cmd
}

func newMetadataImportCmd(a *app) *cobra.Command {
	var inputFile string
	cmd := &cobra.Command{
		Use:   "metadata-import",
		Short: "Import Versions and Blocks from a metadata-export document into the metadata store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var (
				data []byte
				err  error
			)
			if inputFile == "" || inputFile == "-" {
				data, err = io.ReadAll(os.Stdin)
			} else {
				data, err = os.ReadFile(inputFile)
			}
			if err != nil {
				return err
			}
			n, err := pipeline.ImportVersionsJSON(ctx, a.store, data)
			if err != nil {
				return err
			}
			return a.emit(map[string]int{"imported": n}, func() {
				printf("%d version(s) imported\n", n)
			})
		},
	}
	cmd.Flags().StringVarP(&inputFile, "input", "i", "", "file to read from (default: stdin)")
	return cmd
}

func newMetadataBackupCmd(a *app) *cobra.Command {
	var storageName string
	cmd := &cobra.Command{
		Use:   "metadata-backup <version-uid>",
		Short: "Re-write a Version's storage-side version-metadata document from the current metadata store rows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			version, err := a.store.GetVersion(ctx, args[0])
			if err != nil {
				return err
			}
			name := storageName
			if name == "" {
				name = version.Storage
			}
			storage, err := a.storageReg.Get(name)
			if err != nil {
				return err
			}
			if err := pipeline.WriteVersionMetadata(ctx, a.store, storage, a.chain, a.transformNames(), version); err != nil {
				return err
			}
			return a.emit(version, func() {
				printf("Version metadata for %s re-written to storage\n", version.UID)
			})
		},
	}
	cmd.Flags().StringVar(&storageName, "storage", "", "storage to write to (default: version's own storage)")
	return cmd
}

func newMetadataRestoreCmd(a *app) *cobra.Command {
	var storageName string
	cmd := &cobra.Command{
		Use:   "metadata-restore <version-uid>",
		Short: "Recreate a Version's rows in the metadata store from its storage-side version-metadata document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			storage, err := a.storageReg.Get(a.storageName(storageName))
			if err != nil {
				return err
			}
			if err := pipeline.RestoreVersionMetadata(ctx, a.store, storage, a.chain, args[0]); err != nil {
				return err
			}
			return a.emit(map[string]string{"uid": args[0], "status": "restored"}, func() {
				printf("Version %s restored from storage-side metadata\n", args[0])
			})
		},
	}
	cmd.Flags().StringVar(&storageName, "storage", "", "storage to read from (default: defaultStorage)")
	return cmd
}

func newMetadataLsCmd(a *app) *cobra.Command {
	var storageName string
	cmd := &cobra.Command{
		Use:   "metadata-ls",
		Short: "List version-metadata documents present on a storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			storage, err := a.storageReg.Get(a.storageName(storageName))
			if err != nil {
				return err
			}
			it, err := storage.List(ctx, "version-metadata/")
			if err != nil {
				return err
			}
			var keys []string
			for {
				entry, ok, err := it.Next(ctx)
				if err != nil {
					return err
				}
				if !ok {
					break
				}
				keys = append(keys, string(entry.Key))
			}
			return a.emit(keys, func() {
				for _, k := range keys {
					printf("%s\n", k)
				}
			})
		},
	}
	cmd.Flags().StringVar(&storageName, "storage", "", "storage to list (default: defaultStorage)")
	return cmd
}
