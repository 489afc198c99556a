package wal

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// PartialSuffix marks the segment pg_receivewal was writing when it stopped.
const PartialSuffix = ".partial"

// MergeResult describes what Merge did.
type MergeResult struct {
	Discarded []string // names of removed incomplete segments
	Moved     []string // names moved into the destination
}

// Merge removes incomplete segments from scratch and moves everything else
// into dst. A failure leaves already moved files in place.
func Merge(fsys afero.Fs, scratch, dst string) (MergeResult, error) {
	var res MergeResult
	entries, err := afero.ReadDir(fsys, scratch)
	if err != nil {
		return res, fmt.Errorf("read scratch dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var keep []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, PartialSuffix) {
			if err := fsys.Remove(filepath.Join(scratch, name)); err != nil {
				return res, fmt.Errorf("remove %s: %w", name, err)
			}
			slog.Info("discarded incomplete segment", "file", name)
			res.Discarded = append(res.Discarded, name)
			continue
		}
		keep = append(keep, name)
	}

	if err := fsys.MkdirAll(dst, 0o700); err != nil {
		return res, fmt.Errorf("create %s: %w", dst, err)
	}
	for _, name := range keep {
		src := filepath.Join(scratch, name)
		target := filepath.Join(dst, name)
		if err := fsys.Rename(src, target); err != nil {
			// likely cross-device link; fallback to copy
			if err := copyFile(fsys, src, target); err != nil {
				return res, fmt.Errorf("move %s: %w", name, err)
			}
			if err := fsys.Remove(src); err != nil {
				return res, fmt.Errorf("remove %s after copy: %w", name, err)
			}
		}
		res.Moved = append(res.Moved, name)
	}
	return res, nil
}

// copyFile copies src->dst preserving perms, used when Rename crosses fs boundary.
func copyFile(fsys afero.Fs, src, dst string) error {
	in, err := fsys.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		if err := in.Close(); err != nil {
			slog.Warn("copyFile: failed to close source", "err", err)
		}
	}()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", src)
	}
	out, err := fsys.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
