// Package disk reports free space of the filesystem holding a path.
package disk

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/disk"
)

// Space holds free (for an unprivileged user) and total bytes.
type Space struct {
	Path  string
	Free  uint64
	Total uint64
}

func (s Space) String() string {
	return fmt.Sprintf("%s: %s free of %s", s.Path, humanize.IBytes(s.Free), humanize.IBytes(s.Total))
}

// Usage returns the space of the filesystem containing path.
func Usage(path string) (Space, error) {
	u, err := disk.Usage(path)
	if err != nil {
		return Space{}, fmt.Errorf("statfs %s: %w", path, err)
	}
	return Space{Path: path, Free: u.Free, Total: u.Total}, nil
}

// FreeBytes is Usage reduced to the free byte count.
func FreeBytes(path string) (uint64, error) {
	s, err := Usage(path)
	return s.Free, err
}
