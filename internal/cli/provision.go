package cli

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/vbp1/pgstandby/internal/provision"
)

var pcfg = provision.Defaults()

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Build a replica: base backup over ssh, WAL streaming, primary_conninfo",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := applyConfigFile(cmd.Flags(), global.Config, &pcfg); err != nil {
			return err
		}
		pcfg.Verbose = global.Verbose
		if err := pcfg.Validate(); err != nil {
			return err
		}
		return provision.Run(cmd.Context(), &pcfg, cmd.OutOrStdout())
	},
}

func bindProvisionFlags(f *pflag.FlagSet, c *provision.Config) {
	f.StringVar(&c.SourceHost, "source-host", c.SourceHost, "Source (primary) host (required)")
	f.IntVar(&c.SourcePort, "source-port", c.SourcePort, "Source port")
	f.StringVar(&c.SourceUser, "source-user", c.SourceUser, "Replication user on the source (required)")
	f.StringVar(&c.SourceDBName, "source-dbname", c.SourceDBName, "Database for catalog queries")
	f.StringVar(&c.SourceBinDir, "source-bindir", c.SourceBinDir, "PostgreSQL bin directory on the source host (PATH if empty)")
	f.StringVar(&c.BackupHost, "backup-host", c.BackupHost, "Host pg_basebackup connects to on the source (local socket if empty)")

	f.StringVar(&c.TargetBinDir, "target-bindir", c.TargetBinDir, "Local PostgreSQL bin directory (PATH if empty)")
	f.StringVar(&c.TargetPGData, "target-pgdata", c.TargetPGData, "Replica data directory (required, must be empty)")
	f.StringVar(&c.TargetWALDir, "target-waldir", c.TargetWALDir, "Replica WAL directory (default <pgdata>/pg_wal)")
	f.StringVar(&c.ScratchWALDir, "scratch-waldir", c.ScratchWALDir, "Directory pg_receivewal writes to (required, must be empty)")

	f.StringVar(&c.SSHUser, "ssh-user", c.SSHUser, "SSH user on the source host (required)")
	f.StringVar(&c.SSHHost, "ssh-host", c.SSHHost, "SSH host (default source host)")
	f.StringVar(&c.SSHKey, "ssh-key", c.SSHKey, "SSH private key file")
	f.StringVar(&c.SSHKnownHosts, "ssh-known-hosts", c.SSHKnownHosts, "known_hosts file (default ~/.ssh/known_hosts)")
	f.BoolVar(&c.InsecureSSH, "insecure-ssh", c.InsecureSSH, "Disable strict host-key checking (NOT recommended)")

	f.StringVar(&c.Compressor, "compressor", c.Compressor, "Stream compressor: pigz|zstd")
	f.IntVar(&c.CompressThreads, "compress-threads", c.CompressThreads, "Compression/decompression threads")
	f.StringVar(&c.Decompress, "decompress", c.Decompress, "Decompression: external (binary) | builtin (library)")

	f.BoolVar(&c.ConfigsExternal, "configs-external", c.ConfigsExternal, "postgresql.conf lives outside the data directory")
	f.StringVar(&c.ExternalConfigFile, "external-config-file", c.ExternalConfigFile, "External postgresql.conf (required with --configs-external)")
	f.StringVar(&c.RecoveryConf, "recovery-conf", c.RecoveryConf, "File receiving primary_conninfo: auto|postgresql.auto.conf|recovery.conf")
	f.StringVar(&c.SSLMode, "sslmode", c.SSLMode, "sslmode written into primary_conninfo")
	f.BoolVar(&c.SSLCompression, "sslcompression", c.SSLCompression, "sslcompression written into primary_conninfo")
	f.StringVar(&c.ReplicationSlot, "slot", c.ReplicationSlot, "Existing replication slot for pg_receivewal")

	f.BoolVar(&c.StartServer, "start-server", c.StartServer, "Start the replica when provisioning is done")
	f.DurationVar(&c.StartDelay, "start-delay", c.StartDelay, "Wait before checking the started server")
	f.StringVar(&c.ServerLog, "server-log", c.ServerLog, "pg_ctl log file (default <pgdata>/startup.log)")

	f.BoolVar(&c.CheckSpace, "check-space", c.CheckSpace, "Require enough free space for the source databases")
	f.StringVar(&c.MetricsFile, "metrics-file", c.MetricsFile, "Write Prometheus textfile metrics here")
	f.StringVar(&c.Progress, "progress", c.Progress, "Progress display mode: auto|bar|plain|none")
	f.IntVar(&c.ProgressInterval, "progress-interval", c.ProgressInterval, "Seconds between updates in plain mode")
	f.BoolVar(&c.KeepRunTmp, "keep-run-tmp", c.KeepRunTmp, "Preserve temporary run directory")
}

func init() {
	bindProvisionFlags(provisionCmd.Flags(), &pcfg)
	RootCmd.AddCommand(provisionCmd)
}
