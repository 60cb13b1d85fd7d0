// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/trustos/kernel/internal/config"
	"github.com/trustos/kernel/internal/kernel/boot"
	"github.com/trustos/kernel/internal/kernel/vfs/trustfs"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "trustosd",
	Short: "TrustOS kernel simulator",
	Long: `trustosd boots the TrustOS kernel simulator: a userspace
reimplementation of a capability-secured microkernel, with goroutines
standing in for CPUs and channels standing in for hardware queues.`,
}

var bootCmd = &cobra.Command{
	Use:   "boot",
	Short: "Boot the kernel and run until interrupted",
	RunE:  runBoot,
}

var fsckCmd = &cobra.Command{
	Use:   "fsck",
	Short: "Check (and, if needed, WAL-recover) a TrustFS image",
	RunE:  runFsck,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")
	rootCmd.AddCommand(bootCmd, fsckCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runBoot(cmd *cobra.Command, args []string) error {
	zapLog, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("trustosd: building logger: %w", err)
	}
	defer zapLog.Sync() //nolint:errcheck
	log := zapr.NewLogger(zapLog).WithName("trustosd")

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("trustosd: loading config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	k, err := boot.Boot(ctx, log, cfg)
	if err != nil {
		return fmt.Errorf("trustosd: boot: %w", err)
	}

	log.Info("running", "cpus", cfg.Scheduler.CPUCount)
	return k.Wait()
}

func runFsck(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("trustosd: loading config: %w", err)
	}

	sectors := cfg.TrustFS.SizeBytes / trustfs.SectorSize
	if sectors < trustfs.SectorDataBase+16 {
		sectors = trustfs.SectorDataBase + 16
	}
	dev := trustfs.NewMemDevice(sectors)

	replayed, err := trustfs.ReplayIfNeeded(dev)
	if err != nil {
		return fmt.Errorf("trustosd: fsck: replaying WAL: %w", err)
	}
	if replayed > 0 {
		fmt.Printf("trustfs: replayed %d pending WAL entries\n", replayed)
	}

	fs, err := trustfs.Mount(dev)
	if err != nil {
		return fmt.Errorf("trustosd: fsck: mounting: %w", err)
	}
	fmt.Printf("trustfs: %s mounted cleanly, root inode %d\n", fs.Name(), fs.RootIno())
	return nil
}
