// Command loom is the maintenance CLI for the loom storage engine. It
// inspects and restores crash-recovery snapshots and reports session
// state.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/phroun/loom"
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := newRootCommand().Execute(); err != nil {
		log.Error("command failed", "err", err)
		return 1
	}
	return 0
}

func newRootCommand() *cobra.Command {
	var debug bool
	var recoveryDir string

	rootCmd := &cobra.Command{
		Use:   "loom",
		Short: "Maintenance tool for loom buffer recovery storage",
		Long: `loom manages the crash-recovery storage used by the loom text
storage engine: listing snapshots left behind by a crashed session,
restoring their content, and cleaning up stale entries.`,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			if debug {
				log.SetLevel(log.DebugLevel)
			}
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&recoveryDir, "recovery-dir", "",
		"recovery directory (default: the per-user location)")

	openStorage := func() (*loom.RecoveryStorage, error) {
		dir := recoveryDir
		if dir == "" {
			var err error
			dir, err = loom.DefaultRecoveryDir()
			if err != nil {
				return nil, fmt.Errorf("resolve recovery dir: %w", err)
			}
		}
		return loom.NewRecoveryStorage(dir), nil
	}

	rootCmd.AddCommand(newRecoverCommand(openStorage))
	rootCmd.AddCommand(newSessionCommand(openStorage))
	return rootCmd
}

type storageOpener func() (*loom.RecoveryStorage, error)

func newRecoverCommand(open storageOpener) *cobra.Command {
	recoverCmd := &cobra.Command{
		Use:   "recover",
		Short: "Inspect and restore recovery snapshots",
	}
	recoverCmd.AddCommand(newRecoverListCommand(open))
	recoverCmd.AddCommand(newRecoverRestoreCommand(open))
	recoverCmd.AddCommand(newRecoverCleanCommand(open))
	return recoverCmd
}

func newRecoverListCommand(open storageOpener) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recovery snapshots, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			storage, err := open()
			if err != nil {
				return err
			}
			entries, err := storage.ListEntries()
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no recovery snapshots")
				return nil
			}
			w := cmd.OutOrStdout()
			for _, e := range entries {
				name := e.Metadata.BufferName
				if name == "" {
					name = e.Metadata.OriginalPath
				}
				if name == "" {
					name = "(unnamed)"
				}
				fmt.Fprintf(w, "%-34s  %-8s  %10d bytes  %s  %s\n",
					e.ID, e.Metadata.Format, e.Metadata.ContentSize,
					time.Unix(e.Metadata.UpdatedAt, 0).Format(time.RFC3339), name)
			}
			return nil
		},
	}
}

func newRecoverRestoreCommand(open storageOpener) *cobra.Command {
	var output string
	var original string

	restoreCmd := &cobra.Command{
		Use:   "restore <id>",
		Short: "Write a snapshot's content to a file",
		Long: `restore writes the recovered content of one snapshot to --output.

Full snapshots are written as stored. Chunked snapshots are replayed
against the original file, which must be unmodified since the crash;
pass --original when the file has moved.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			storage, err := open()
			if err != nil {
				return err
			}
			id := args[0]

			meta, err := storage.ReadMetadata(id)
			if err != nil {
				return err
			}
			if meta == nil {
				return fmt.Errorf("no snapshot with id %q", id)
			}

			var content []byte
			switch meta.Format {
			case loom.RecoveryChunked:
				orig := original
				if orig == "" {
					orig = meta.OriginalPath
				}
				if orig == "" {
					return fmt.Errorf("snapshot %s is chunked but records no original path; pass --original", id)
				}
				content, err = storage.ReconstructFromChunks(id, orig)
			default:
				content, err = storage.ReadContent(id)
			}
			if err != nil {
				return err
			}
			if content == nil {
				return fmt.Errorf("snapshot %s has no content file", id)
			}

			fs := loom.NewLocalFileSystem()
			if err := fs.WriteFile(output, content); err != nil {
				return err
			}
			log.Info("restored snapshot", "id", id, "bytes", len(content), "output", output)
			return nil
		},
	}

	restoreCmd.Flags().StringVarP(&output, "output", "o", "", "destination file (required)")
	restoreCmd.Flags().StringVar(&original, "original", "", "original file for chunked reconstruction")
	_ = restoreCmd.MarkFlagRequired("output")
	return restoreCmd
}

func newRecoverCleanCommand(open storageOpener) *cobra.Command {
	var all bool

	cleanCmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove orphaned recovery files",
		Long: `clean removes incomplete snapshot pairs where either the metadata or
the content file is missing. With --all every snapshot is removed; the
session lock of a running session is always left alone.`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			storage, err := open()
			if err != nil {
				return err
			}
			var cleaned int
			if all {
				cleaned, err = storage.CleanupAll()
			} else {
				cleaned, err = storage.CleanupOrphans()
			}
			if err != nil {
				return err
			}
			log.Info("cleanup complete", "removed", cleaned, "all", all)
			return nil
		},
	}

	cleanCmd.Flags().BoolVar(&all, "all", false, "remove every snapshot, not just orphans")
	return cleanCmd
}

func newSessionCommand(open storageOpener) *cobra.Command {
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect session lock state",
	}

	sessionCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Report whether a session is live, crashed, or absent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			storage, err := open()
			if err != nil {
				return err
			}
			info, err := storage.ReadSessionLock()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if info == nil {
				fmt.Fprintln(w, "no session lock")
				return nil
			}
			state := "crashed"
			if info.IsRunning() {
				state = "running"
			}
			fmt.Fprintf(w, "session %s: pid %d, started %s\n",
				state, info.PID, time.Unix(info.StartedAt, 0).Format(time.RFC3339))
			return nil
		},
	})

	return sessionCmd
}
