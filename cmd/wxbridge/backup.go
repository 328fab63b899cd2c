package main

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"wxbridge/internal/config"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// archiveFile is one file of a backup: its fixed name inside the archive
// and where it lives on this host.
type archiveFile struct {
	name string
	path string
}

// archiveLayout lists what a backup holds. The pairing database travels
// with its WAL and shared-memory files so a live database restores
// consistently.
func archiveLayout(cfgPath, dbPath string) []archiveFile {
	return []archiveFile{
		{"config" + filepath.Ext(cfgPath), cfgPath},
		{"pairing.db", dbPath},
		{"pairing.db-wal", dbPath + "-wal"},
		{"pairing.db-shm", dbPath + "-shm"},
	}
}

func backupCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive the config file and the pairing database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if output == "" {
				dir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("create backup dir: %w", err)
				}
				output = filepath.Join(dir, "wxbridge-"+time.Now().Format("20060102-150405")+".tar.gz")
			}

			written, err := writeBackup(output, archiveLayout(cfgPath, resolveDBPath(cfgPath)))
			if err != nil {
				return fmt.Errorf("backup: %w", err)
			}
			fmt.Printf("Backup written to %s\n", output)
			for _, f := range written {
				fmt.Printf("  %-16s %s\n", f.name, humanize.Bytes(uint64(f.size)))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "archive path (default ~/.wxbridge/backups/wxbridge-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "restore <backup.tar.gz>",
		Short: "Restore the config file and pairing database from a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			layout := archiveLayout(cfgPath, resolveDBPath(cfgPath))
			if !force {
				for _, f := range layout {
					if _, err := os.Stat(f.path); err == nil {
						return fmt.Errorf("%s exists; stop wxbridge and rerun with --force to overwrite", f.path)
					}
				}
			}

			restored, err := readBackup(args[0], layout)
			if err != nil {
				return fmt.Errorf("restore: %w", err)
			}
			fmt.Printf("Restored from %s\n", args[0])
			for _, p := range restored {
				fmt.Printf("  %s\n", p)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the current config and pairing database")
	return cmd
}

// resolveDBPath returns the pairing database named by the config, or
// the default location when the config cannot be read.
func resolveDBPath(cfgPath string) string {
	if cfg, err := config.Load(cfgPath); err == nil && cfg.Pairing.DBPath != "" {
		return cfg.Pairing.DBPath
	}
	return config.ExpandPath(config.Defaults().Pairing.DBPath)
}

type writtenFile struct {
	name string
	size int64
}

// writeBackup archives the files of layout that exist. It fails when
// none do.
func writeBackup(output string, layout []archiveFile) (written []writtenFile, err error) {
	out, err := os.Create(output)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(output)
		}
	}()
	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	for _, f := range layout {
		size, err := addToArchive(tw, f)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("add %s: %w", f.path, err)
		}
		written = append(written, writtenFile{f.name, size})
	}
	if len(written) == 0 {
		return nil, errors.New("nothing to back up: no config file or pairing database found")
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return written, gz.Close()
}

func addToArchive(tw *tar.Writer, f archiveFile) (int64, error) {
	src, err := os.Open(f.path)
	if err != nil {
		return 0, err
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return 0, err
	}
	hdr := &tar.Header{
		Name:    f.name,
		Mode:    0o600,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return 0, err
	}
	return io.Copy(tw, src)
}

// readBackup writes each archive entry named in layout to its path.
// Unknown entries are ignored. A config saved in another format than
// the current config file is refused rather than renamed.
func readBackup(archive string, layout []archiveFile) ([]string, error) {
	in, err := os.Open(archive)
	if err != nil {
		return nil, err
	}
	defer in.Close()
	gz, err := gzip.NewReader(in)
	if err != nil {
		return nil, fmt.Errorf("not a gzip archive: %w", err)
	}
	defer gz.Close()

	targets := make(map[string]string, len(layout))
	for _, f := range layout {
		targets[f.name] = f.path
	}

	tr := tar.NewReader(gz)
	var restored []string
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return restored, nil
		}
		if err != nil {
			return restored, err
		}
		path, ok := targets[hdr.Name]
		if !ok {
			if strings.HasPrefix(hdr.Name, "config.") {
				return restored, fmt.Errorf("backup holds %s but the config file is %s", hdr.Name, layout[0].path)
			}
			continue
		}
		if err := restoreFile(path, tr); err != nil {
			return restored, err
		}
		restored = append(restored, path)
	}
}

func restoreFile(path string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	dst, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, r); err != nil {
		dst.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return dst.Close()
}
