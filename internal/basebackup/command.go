package basebackup

import (
	"fmt"
	"strings"

	"github.com/vbp1/pgstandby/internal/process"
	"github.com/vbp1/pgstandby/internal/ssh"
)

// Supported compressors and local decompression modes.
const (
	CompressorPigz = "pigz"
	CompressorZstd = "zstd"

	DecompressExternal = "external"
	DecompressBuiltin  = "builtin"
)

// statusMarker prefixes the line the remote shell prints with the exit codes
// of pg_basebackup and the compressor.
const statusMarker = "pgstandby-pipestatus"

// ValidCompressor reports whether name is supported.
func ValidCompressor(name string) bool {
	return name == CompressorPigz || name == CompressorZstd
}

// ValidDecompress reports whether mode is supported.
func ValidDecompress(mode string) bool {
	return mode == DecompressExternal || mode == DecompressBuiltin
}

// BaseBackupArgs returns the pg_basebackup arguments: a tar stream on stdout
// carrying the recovery settings, without WAL (the receiver captures it).
func (o Options) BaseBackupArgs() []string {
	args := []string{"-D", "-", "-Ft", "-X", "none", "-R", "-c", "fast", "-w"}
	if o.BackupHost != "" {
		args = append(args, "-h", o.BackupHost)
	}
	if o.Port > 0 {
		args = append(args, "-p", fmt.Sprintf("%d", o.Port))
	}
	if o.User != "" {
		args = append(args, "-U", o.User)
	}
	if o.Label != "" {
		args = append(args, "-l", o.Label)
	}
	return args
}

// CompressArgs returns the compressor command line run on the source host.
func (o Options) CompressArgs() []string {
	if o.Compressor == CompressorZstd {
		return []string{CompressorZstd, "-q", "-c", "-T" + fmt.Sprint(o.Threads)}
	}
	return []string{CompressorPigz, "-c", "-p", fmt.Sprint(o.Threads)}
}

// DecompressArgs returns the local decompressor command line for external mode.
func (o Options) DecompressArgs() []string {
	if o.Compressor == CompressorZstd {
		return []string{CompressorZstd, "-q", "-d", "-c", "-T" + fmt.Sprint(o.Threads)}
	}
	return []string{CompressorPigz, "-d", "-c", "-p", fmt.Sprint(o.Threads)}
}

// RemoteCommand builds the command executed over ssh. bash runs both stages and
// reports each exit code on stderr; the session exits non-zero if either failed.
func (o Options) RemoteCommand() string {
	bb := append([]string{process.Bin(o.SourceBinDir, "pg_basebackup")}, o.BaseBackupArgs()...)
	script := strings.Join([]string{
		quoteAll(bb) + " | " + quoteAll(o.CompressArgs()),
		`s=("${PIPESTATUS[@]}")`,
		`echo "` + statusMarker + ` ${s[0]} ${s[1]}" >&2`,
		`[ "${s[0]}" -eq 0 ] && [ "${s[1]}" -eq 0 ]`,
	}, "; ")
	return "bash -c " + ssh.Quote(script)
}

func quoteAll(args []string) string {
	q := make([]string, len(args))
	for i, a := range args {
		q[i] = ssh.Quote(a)
	}
	return strings.Join(q, " ")
}
