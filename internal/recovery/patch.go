package recovery

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/spf13/afero"
)

var conninfoLine = regexp.MustCompile(`^\s*primary_conninfo\s*=`)

// Rewrite returns content with every primary_conninfo line replaced by a
// single line for ci, appended at the end. Commented lines are kept.
func Rewrite(content []byte, ci ConnInfo) []byte {
	var out bytes.Buffer
	sc := bufio.NewScanner(bytes.NewReader(content))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if conninfoLine.MatchString(line) {
			continue
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	out.WriteString(ci.Line())
	out.WriteByte('\n')
	return out.Bytes()
}

// Patch rewrites path in place. The new content is written to a temporary file
// in the same directory, synced and renamed over path, so readers see either the
// old or the new file. A missing file is created.
func Patch(fsys afero.Fs, path string, ci ConnInfo) error {
	content, err := afero.ReadFile(fsys, path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read %s: %w", path, err)
	}

	f, err := afero.TempFile(fsys, filepath.Dir(path), "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()
	cleanup := func() { _ = fsys.Remove(tmp) }

	if _, err := f.Write(Rewrite(content, ci)); err != nil {
		_ = f.Close()
		cleanup()
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		cleanup()
		return fmt.Errorf("sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return err
	}
	if err := fsys.Chmod(tmp, 0o600); err != nil {
		cleanup()
		return err
	}
	if err := fsys.Rename(tmp, path); err != nil {
		cleanup()
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}
