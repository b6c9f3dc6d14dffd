package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/csync/propagator/internal/store"
)

func newJournalCmd() *cobra.Command {
	journalCmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect and repair the on-disk sync journal",
	}
	journalCmd.PersistentFlags().String("journal", "./csync_journal.db", "path to the sync journal database")
	journalCmd.AddCommand(newJournalInspectCmd())
	journalCmd.AddCommand(newJournalWipeBlacklistCmd())
	return journalCmd
}

func openJournalFlag(cmd *cobra.Command) (*store.Journal, error) {
	path, err := cmd.Flags().GetString("journal")
	if err != nil {
		return nil, err
	}
	return store.Open(path, false)
}

func newJournalInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <path>",
		Short: "Print the file record and blacklist state for a journal path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := openJournalFlag(cmd)
			if err != nil {
				return err
			}
			defer j.Close()

			path := args[0]
			rec, ok, err := j.GetFileRecord(path)
			if err != nil {
				return fmt.Errorf("looking up file record: %w", err)
			}
			if !ok {
				fmt.Printf("%s: no file record\n", path)
			} else {
				fmt.Printf("%s: etag=%s fileid=%s size=%d modtime=%d content_hash=%s\n",
					path, rec.Etag, rec.FileID, rec.Size, rec.ModTime, rec.ContentHash)
			}

			bl, ok, err := j.BlacklistEntry(path)
			if err != nil {
				return fmt.Errorf("looking up blacklist entry: %w", err)
			}
			if !ok {
				fmt.Printf("%s: not blacklisted\n", path)
			} else {
				fmt.Printf("%s: blacklisted, retryCount=%d ignoreDuration=%ds lastError=%q\n",
					path, bl.RetryCount, bl.IgnoreDuration, bl.ErrorString)
			}
			return nil
		},
	}
}

func newJournalWipeBlacklistCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "wipe-blacklist",
		Short: "Clear one blacklist entry, or the whole table with --all",
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := openJournalFlag(cmd)
			if err != nil {
				return err
			}
			defer j.Close()

			all, _ := cmd.Flags().GetBool("all")
			if all {
				if err := j.WipeBlacklist(); err != nil {
					return fmt.Errorf("wiping blacklist: %w", err)
				}
				fmt.Println("blacklist cleared")
				return j.Commit(false)
			}
			if path == "" {
				return fmt.Errorf("either --path or --all is required")
			}
			if err := j.WipeBlacklistEntry(path); err != nil {
				return fmt.Errorf("wiping blacklist entry: %w", err)
			}
			fmt.Printf("blacklist entry for %s cleared\n", path)
			return j.Commit(false)
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "path whose blacklist entry should be cleared")
	cmd.Flags().Bool("all", false, "clear every blacklist entry")
	return cmd
}
