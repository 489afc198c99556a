package basebackup

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRemoteCommand(t *testing.T) {
	o := Options{SourceBinDir: "/usr/lib/postgresql/16/bin", Port: 5432, User: "repl", Threads: 4}.withDefaults()
	cmd := o.RemoteCommand()
	assert.Contains(t, cmd, "bash -c ")
	assert.Contains(t, cmd, "/usr/lib/postgresql/16/bin/pg_basebackup")
	assert.Contains(t, cmd, "PIPESTATUS")
	assert.Contains(t, cmd, statusMarker)
}

func TestBaseBackupArgs(t *testing.T) {
	o := Options{BackupHost: "/var/run/postgresql", Port: 5433, User: "repl", Label: "standby"}
	assert.Equal(t, []string{
		"-D", "-", "-Ft", "-X", "none", "-R", "-c", "fast", "-w",
		"-h", "/var/run/postgresql", "-p", "5433", "-U", "repl", "-l", "standby",
	}, o.BaseBackupArgs())
}

func TestCompressorArgs(t *testing.T) {
	pigz := Options{Compressor: CompressorPigz, Threads: 8}
	assert.Equal(t, []string{"pigz", "-c", "-p", "8"}, pigz.CompressArgs())
	assert.Equal(t, []string{"pigz", "-d", "-c", "-p", "8"}, pigz.DecompressArgs())

	zst := Options{Compressor: CompressorZstd, Threads: 3}
	assert.Equal(t, []string{"zstd", "-q", "-c", "-T3"}, zst.CompressArgs())
	assert.Equal(t, []string{"zstd", "-q", "-d", "-c", "-T3"}, zst.DecompressArgs())
}

func TestParseMarker(t *testing.T) {
	codes, ok := parseMarker("pgstandby-pipestatus 0 141")
	assert.True(t, ok)
	assert.Equal(t, []int{0, 141}, codes)

	_, ok = parseMarker("pg_basebackup: error: could not connect")
	assert.False(t, ok)
	_, ok = parseMarker("pgstandby-pipestatus 0")
	assert.False(t, ok)
}

func TestStderrCapture(t *testing.T) {
	c := &stderrCapture{}
	_, _ = c.Write([]byte("pg_basebackup: warning: one\npgstandby-pip"))
	_, _ = c.Write([]byte("estatus 1 0\ntrailing"))
	c.flush()
	codes, ok := c.status()
	assert.True(t, ok)
	assert.Equal(t, []int{1, 0}, codes)
	assert.Equal(t, "pg_basebackup: warning: one\ntrailing", c.Tail())
}
