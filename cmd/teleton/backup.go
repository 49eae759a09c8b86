package main

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/TONresistor/teleton-agent-sub000/internal/store"
)

func backupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup [dest]",
		Short: "Snapshot the state database (and config, for .tar.gz targets)",
		Long: `Writes a consistent copy of the SQLite state database using VACUUM INTO.
If dest ends in .tar.gz the snapshot and the config file are archived together.
The default destination is ~/.teleton/backups/teleton-<timestamp>.db.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Storage.Driver == store.DriverPostgres {
				return fmt.Errorf("backup supports sqlite only; use pg_dump for postgres")
			}

			dest := ""
			if len(args) == 1 {
				dest = args[0]
			}
			if dest == "" {
				backupDir := filepath.Join(cfg.General.DataDir, "backups")
				ts := time.Now().Format("20060102-150405")
				dest = filepath.Join(backupDir, fmt.Sprintf("teleton-%s.db", ts))
			}
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return fmt.Errorf("cannot create backup directory: %w", err)
			}

			ctx := context.Background()
			db, err := store.Open(ctx, cfg.Storage, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			archive := strings.HasSuffix(dest, ".tar.gz")
			snapshot := dest
			if archive {
				tmp, err := os.MkdirTemp("", "teleton-backup-")
				if err != nil {
					return err
				}
				defer os.RemoveAll(tmp)
				snapshot = filepath.Join(tmp, "teleton.db")
			}

			if err := db.Backup(ctx, snapshot); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			files := []string{snapshot}
			if archive {
				if _, err := os.Stat(resolveConfigPath()); err == nil {
					files = append(files, resolveConfigPath())
				}
				if cfg.Storage.OffsetsBackend == "file" {
					if _, err := os.Stat(cfg.Storage.OffsetsFile); err == nil {
						files = append(files, cfg.Storage.OffsetsFile)
					}
				}
				if err := createTarGz(dest, files); err != nil {
					return fmt.Errorf("backup failed: %w", err)
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Backup created: %s\n", dest)
			for _, f := range files {
				info, _ := os.Stat(f)
				size := int64(0)
				if info != nil {
					size = info.Size()
				}
				fmt.Fprintf(cmd.OutOrStdout(), "  - %s (%s)\n", filepath.Base(f), humanSize(size))
			}
			return nil
		},
	}
	return cmd
}

// createTarGz creates a .tar.gz archive from the given files.
func createTarGz(outputPath string, files []string) error {
	outFile, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer outFile.Close()

	gzWriter := gzip.NewWriter(outFile)
	defer gzWriter.Close()

	tarWriter := tar.NewWriter(gzWriter)
	defer tarWriter.Close()

	for _, filePath := range files {
		if err := addFileToTar(tarWriter, filePath); err != nil {
			return fmt.Errorf("add %s: %w", filePath, err)
		}
	}
	return nil
}

func addFileToTar(tw *tar.Writer, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = filepath.Base(filePath)

	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, file)
	return err
}

func humanSize(bytes int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
