// Command benji is the block-level, content-addressed, deduplicating
// backup engine's CLI: backup/restore against raw block devices and
// image files, scrub/cleanup/enforce maintenance, and an NBD export
// server for mounting a Version read-write with copy-on-write fixation.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	a := &app{}
	root := newRootCmd(a)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd wires the app into every subcommand via closure, the same
// role cmd/warren/main.go's package-level rootCmd + cobra.OnInitialize
// plays for its global logger, but without a package-level app var: a is
// owned by main and threaded explicitly.
func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "benji",
		Short: "Block-level deduplicating backup engine",
		Long: `Benji backs up raw block devices and image files (local files,
Ceph RBD, iSCSI) at block granularity, deduplicating identical blocks
across every Version in a repository and storing them in an
object-store-shaped Storage backend (local directory, S3, or B2).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd.Context())
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}

	root.PersistentFlags().StringVarP(&a.cfgPath, "config", "c", "", "configuration file path (overrides the default search order)")
	root.PersistentFlags().BoolVarP(&a.machine, "machine-readable", "m", false, "emit machine-readable JSON on stdout instead of human-readable text")

	root.AddCommand(
		newBackupCmd(a),
		newRestoreCmd(a),
		newLsCmd(a),
		newRmCmd(a),
		newProtectCmd(a),
		newUnprotectCmd(a),
		newLabelCmd(a),
		newVersionInfoCmd(a),
		newScrubCmd(a),
		newDeepScrubCmd(a),
		newBatchScrubCmd(a),
		newBatchDeepScrubCmd(a),
		newCleanupCmd(a),
		newMetadataExportCmd(a),
		newMetadataImportCmd(a),
		newMetadataBackupCmd(a),
		newMetadataRestoreCmd(a),
		newMetadataLsCmd(a),
		newEnforceCmd(a),
		newStorageStatsCmd(a),
		newStorageUsageCmd(a),
		newDatabaseInitCmd(a),
		newDatabaseMigrateCmd(a),
		newNBDCmd(a),
	)
	return root
}
