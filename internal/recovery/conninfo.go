// Package recovery rewrites the standby connection settings of a replica.
package recovery

import (
	"fmt"
	"strings"
)

// Recovery configuration file names.
const (
	AutoConfFile     = "postgresql.auto.conf" // PostgreSQL 12 and later
	RecoveryConfFile = "recovery.conf"        // before 12
)

// FileForVersion returns the file pg_basebackup -R writes primary_conninfo to
// for a server_version_num.
func FileForVersion(versionNum int) string {
	if versionNum >= 120000 {
		return AutoConfFile
	}
	return RecoveryConfFile
}

// ConnInfo holds the primary_conninfo values.
type ConnInfo struct {
	Host           string
	Port           int
	User           string
	SSLMode        string
	SSLCompression bool
}

// String renders the libpq keyword/value string.
func (c ConnInfo) String() string {
	comp := 0
	if c.SSLCompression {
		comp = 1
	}
	parts := []string{
		"host=" + value(c.Host),
		fmt.Sprintf("port=%d", c.Port),
		"user=" + value(c.User),
	}
	if c.SSLMode != "" {
		parts = append(parts, "sslmode="+value(c.SSLMode))
	}
	parts = append(parts, fmt.Sprintf("sslcompression=%d", comp))
	return strings.Join(parts, " ")
}

// Line renders the configuration line, doubling single quotes.
func (c ConnInfo) Line() string {
	return fmt.Sprintf("primary_conninfo = '%s'", strings.ReplaceAll(c.String(), "'", "''"))
}

func value(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}
