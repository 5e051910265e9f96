package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/logger"
	"github.com/spf13/cobra"

	"github.com/dunhamsteve/iosprotect/backup"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the backups under the backup root",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mm, err := backup.Enumerate(cfg.BackupRoot)
		if err != nil {
			return err
		}
		for _, man := range mm {
			fmt.Fprintln(cmd.OutOrStdout(), man.DeviceName, "\t", man.FileName)
		}
		return nil
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls BACKUP [DOMAIN]",
	Short: "List the domains of a backup, or the files of a domain (* for all)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openBackup(args[0])
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if len(args) == 1 {
			for _, domain := range db.Domains() {
				fmt.Fprintln(w, domain)
			}
			return nil
		}
		domain := args[1]
		for _, rec := range db.Records {
			if !rec.IsFile() {
				continue
			}
			if domain == "*" {
				fmt.Fprintln(w, rec.Domain, rec.Path)
			} else if domain == rec.Domain {
				fmt.Fprintln(w, rec.Path)
			}
		}
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore BACKUP DOMAIN DEST",
	Short: "Decrypt the files of a domain (* for all) into DEST",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openBackup(args[0])
		if err != nil {
			return err
		}
		total, err := restore(db, args[1], args[2])
		fmt.Fprintln(cmd.OutOrStdout(), "Wrote", total, "bytes")
		return err
	},
}

// selectBackup matches key against device names and backup directories.
func selectBackup(key string) (*backup.Backup, error) {
	mm, err := backup.Enumerate(cfg.BackupRoot)
	if err != nil {
		return nil, err
	}
	for i := range mm {
		man := &mm[i]
		dashed := strings.Contains(man.FileName, "-")
		switch {
		case man.FileName == key:
			return man, nil
		case man.DeviceName == key && !dashed:
			return man, nil
		case strings.Contains(man.DeviceName, key) && !dashed:
			return man, nil
		case strings.Contains(man.FileName, key) && !dashed:
			return man, nil
		}
	}
	return nil, fmt.Errorf("no backup matches %q", key)
}

func openBackup(key string) (*backup.MobileBackup, error) {
	selected, err := selectBackup(key)
	if err != nil {
		return nil, err
	}
	logger.Infof("selected %s %s", selected.DeviceName, selected.FileName)

	db, err := backup.Open(filepath.Join(cfg.BackupRoot, selected.FileName))
	if err != nil {
		return nil, err
	}
	if db.Manifest.IsEncrypted {
		pw, err := getpass("Backup Password: ")
		if err != nil {
			return nil, err
		}
		err = db.SetPassword(string(pw.Bytes()))
		pw.Destroy()
		if err != nil {
			return nil, err
		}
	}
	if err := db.Load(); err != nil {
		return nil, err
	}
	return db, nil
}

func restore(db *backup.MobileBackup, domain string, dest string) (int64, error) {
	var total int64
	var failed int
	for _, rec := range db.Records {
		if !rec.IsFile() {
			continue
		}
		var outPath string
		if domain == "*" {
			outPath = filepath.Join(dest, rec.Domain, rec.Path)
		} else if rec.Domain == domain {
			outPath = filepath.Join(dest, rec.Path)
		}
		if outPath == "" {
			continue
		}

		n, err := restoreFile(db, rec, outPath)
		total += n
		if err != nil {
			logger.Errorf("error restoring %s-%s: %v", rec.Domain, rec.Path, err)
			failed++
		}
	}
	if failed > 0 {
		return total, fmt.Errorf("%d files failed", failed)
	}
	return total, nil
}

func restoreFile(db *backup.MobileBackup, rec backup.Record, outPath string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return 0, err
	}
	r, err := db.FileReader(rec)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	w, err := os.Create(outPath)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(w, r)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	return n, err
}
