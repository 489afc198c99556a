package fs

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/afero"
)

// ErrNotEmpty is returned by EnsureEmptyDir for a directory with entries.
var ErrNotEmpty = errors.New("directory is not empty")

// EnsureEmptyDir создает директорию (как `mkdir -p`), если её нет,
// и проверяет, что она пуста. Существующая пустая директория не трогается.
func EnsureEmptyDir(fsys afero.Fs, path string, perm os.FileMode) error {
	if path == "" {
		return fmt.Errorf("path is empty")
	}
	if err := fsys.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	empty, err := afero.IsEmpty(fsys, path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if !empty {
		return fmt.Errorf("%s: %w", path, ErrNotEmpty)
	}
	return nil
}
