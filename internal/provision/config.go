package provision

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vbp1/pgstandby/internal/basebackup"
	"github.com/vbp1/pgstandby/internal/progress"
	"github.com/vbp1/pgstandby/internal/recovery"
)

// RecoveryAuto picks the recovery file from the source server version.
const RecoveryAuto = "auto"

// Config collects everything the provisioning workflow needs. It lives
// outside internal/cli so tests can build it directly.
type Config struct {
	SourceHost   string `yaml:"source_host"`
	SourcePort   int    `yaml:"source_port"`
	SourceUser   string `yaml:"source_user"`
	SourceDBName string `yaml:"source_dbname"`
	SourceBinDir string `yaml:"source_bindir"`
	BackupHost   string `yaml:"backup_host"`

	TargetBinDir  string `yaml:"target_bindir"`
	TargetPGData  string `yaml:"target_pgdata"`
	TargetWALDir  string `yaml:"target_waldir"`
	ScratchWALDir string `yaml:"scratch_waldir"`

	SSHUser       string `yaml:"ssh_user"`
	SSHHost       string `yaml:"ssh_host"`
	SSHKey        string `yaml:"ssh_key"`
	SSHKnownHosts string `yaml:"ssh_known_hosts"`
	InsecureSSH   bool   `yaml:"insecure_ssh"`

	Compressor      string `yaml:"compressor"`
	CompressThreads int    `yaml:"compress_threads"`
	Decompress      string `yaml:"decompress"`

	ConfigsExternal    bool   `yaml:"configs_external"`
	ExternalConfigFile string `yaml:"external_config_file"`
	RecoveryConf       string `yaml:"recovery_conf"`
	SSLMode            string `yaml:"sslmode"`
	SSLCompression     bool   `yaml:"sslcompression"`
	ReplicationSlot    string `yaml:"replication_slot"`

	StartServer bool          `yaml:"start_server"`
	StartDelay  time.Duration `yaml:"start_delay"`
	ServerLog   string        `yaml:"server_log"`

	CheckSpace       bool   `yaml:"check_space"`
	MetricsFile      string `yaml:"metrics_file"`
	Progress         string `yaml:"progress"`
	ProgressInterval int    `yaml:"progress_interval"`
	KeepRunTmp       bool   `yaml:"keep_run_tmp"`

	Verbose bool `yaml:"-"`
}

// Defaults returns a Config with every optional value filled in.
func Defaults() Config {
	return Config{
		SourcePort:       5432,
		SourceDBName:     "postgres",
		Compressor:       basebackup.CompressorPigz,
		CompressThreads:  4,
		Decompress:       basebackup.DecompressExternal,
		RecoveryConf:     RecoveryAuto,
		SSLMode:          "prefer",
		SSLCompression:   true,
		StartDelay:       5 * time.Second,
		CheckSpace:       true,
		Progress:         progress.ModeAuto,
		ProgressInterval: 30,
	}
}

// LoadYAML overlays the YAML file at path onto cfg. Unknown keys are an error.
func LoadYAML(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

var sslModes = map[string]bool{
	"disable": true, "allow": true, "prefer": true,
	"require": true, "verify-ca": true, "verify-full": true,
}

// Validate checks required values and enumerations.
func (c *Config) Validate() error {
	required := []struct{ key, val string }{
		{"source_host", c.SourceHost},
		{"source_user", c.SourceUser},
		{"target_pgdata", c.TargetPGData},
		{"scratch_waldir", c.ScratchWALDir},
		{"ssh_user", c.SSHUser},
	}
	for _, r := range required {
		if r.val == "" {
			return fmt.Errorf("%s is required", r.key)
		}
	}
	if c.SourcePort <= 0 || c.SourcePort > 65535 {
		return fmt.Errorf("source_port %d out of range", c.SourcePort)
	}
	if !basebackup.ValidCompressor(c.Compressor) {
		return fmt.Errorf("compressor must be %s or %s, got %q", basebackup.CompressorPigz, basebackup.CompressorZstd, c.Compressor)
	}
	if !basebackup.ValidDecompress(c.Decompress) {
		return fmt.Errorf("decompress must be %s or %s, got %q", basebackup.DecompressExternal, basebackup.DecompressBuiltin, c.Decompress)
	}
	if c.CompressThreads < 1 {
		return fmt.Errorf("compress_threads must be positive")
	}
	if c.ConfigsExternal && c.ExternalConfigFile == "" {
		return fmt.Errorf("external_config_file is required with configs_external")
	}
	switch c.RecoveryConf {
	case RecoveryAuto, recovery.AutoConfFile, recovery.RecoveryConfFile:
	default:
		return fmt.Errorf("recovery_conf must be %s, %s or %s", RecoveryAuto, recovery.AutoConfFile, recovery.RecoveryConfFile)
	}
	if !sslModes[c.SSLMode] {
		return fmt.Errorf("unknown sslmode %q", c.SSLMode)
	}
	if !progress.ValidMode(c.Progress) {
		return fmt.Errorf("unknown progress mode %q", c.Progress)
	}
	if c.ProgressInterval < 1 {
		return fmt.Errorf("progress_interval must be positive")
	}
	if c.StartDelay < 0 {
		return fmt.Errorf("start_delay must not be negative")
	}
	if filepath.Clean(c.ScratchWALDir) == filepath.Clean(c.TargetPGData) {
		return fmt.Errorf("scratch_waldir must differ from target_pgdata")
	}
	return nil
}

// WALDir is where merged segments go.
func (c *Config) WALDir() string {
	if c.TargetWALDir != "" {
		return c.TargetWALDir
	}
	return filepath.Join(c.TargetPGData, "pg_wal")
}

// SSHTarget is the host the remote shell connects to.
func (c *Config) SSHTarget() string {
	if c.SSHHost != "" {
		return c.SSHHost
	}
	return c.SourceHost
}

// ServerLogFile is the pg_ctl -l destination.
func (c *Config) ServerLogFile() string {
	if c.ServerLog != "" {
		return c.ServerLog
	}
	return filepath.Join(c.TargetPGData, "startup.log")
}

// RecoveryFile resolves which file under target_pgdata receives primary_conninfo.
func (c *Config) RecoveryFile(versionNum int) string {
	name := c.RecoveryConf
	if name == RecoveryAuto || name == "" {
		name = recovery.FileForVersion(versionNum)
	}
	return filepath.Join(c.TargetPGData, name)
}

// ConnInfo is the primary_conninfo value written into the replica.
func (c *Config) ConnInfo() recovery.ConnInfo {
	return recovery.ConnInfo{
		Host:           c.SourceHost,
		Port:           c.SourcePort,
		User:           c.SourceUser,
		SSLMode:        c.SSLMode,
		SSLCompression: c.SSLCompression,
	}
}
