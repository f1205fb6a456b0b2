package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/benji-backup/benji/internal/hashindex"
	"github.com/benji-backup/benji/internal/nbd"
)

func newNBDCmd(a *app) *cobra.Command {
	var (
		bindAddress string
		bindPort    int
		readOnly    bool
	)
	cmd := &cobra.Command{
		Use:   "nbd",
		Short: "Serve every Version as an NBD export",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ncfg := a.cfg.NBD
			if bindAddress != "" {
				ncfg.BindAddress = bindAddress
			}
			if bindPort != 0 {
				ncfg.BindPort = bindPort
			}
			if readOnly {
				ncfg.ReadOnly = true
			}
			cacheDir := ncfg.CacheDir
			if cacheDir == "" {
				cacheDir = filepath.Join(os.TempDir(), "benji-nbd-cache")
			}
			if err := os.MkdirAll(cacheDir, 0o700); err != nil {
				return err
			}

			cache, err := nbd.NewBlockCache(filepath.Join(cacheDir, "blocks.bolt"), ncfg.CacheSize)
			if err != nil {
				return err
			}
			defer cache.Close()

			cow, err := nbd.NewCOWStore(filepath.Join(cacheDir, "cow.bolt"))
			if err != nil {
				return err
			}
			defer cow.Close()

			storage, err := a.storageReg.Get(a.storageName(""))
			if err != nil {
				return err
			}

			s := &nbd.Server{
				Store:   a.store,
				Storage: storage,
				Chain:   a.chain,
				Cache:   cache,
				COW:     cow,
				Guard:   hashindex.NewWriteGuard(),
				Logger:  a.logger,
				Config: nbd.Config{
					BindAddress: ncfg.BindAddress,
					BindPort:    ncfg.BindPort,
					ReadOnly:    ncfg.ReadOnly,
					Transforms:  a.transformNames(),
				},
			}
			return s.ListenAndServe(ctx)
		},
	}
	cmd.Flags().StringVar(&bindAddress, "bind-address", "", "override the configured bind address (default 127.0.0.1)")
	cmd.Flags().IntVar(&bindPort, "bind-port", 0, "override the configured bind port")
	cmd.Flags().BoolVar(&readOnly, "read-only", false, "force every export read-only regardless of config")
	return cmd
}
