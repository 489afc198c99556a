package cli

import (
	"github.com/spf13/cobra"

	"github.com/vbp1/pgstandby/internal/verify"
)

var verifyOpts struct {
	db     dbFlags
	bindir string
	jobs   int
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Read every table with pg_dump to check data files of a replica",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		o := &verifyOpts
		v := &verify.Verifier{
			Host:   o.db.Host,
			Port:   o.db.Port,
			User:   o.db.User,
			BinDir: o.bindir,
			Jobs:   o.jobs,
			Out:    cmd.OutOrStdout(),
		}
		if cmd.Flags().Changed("dbname") {
			v.DBName = o.db.DBName
		}
		_, err := v.Run(cmd.Context())
		return err
	},
}

func init() {
	o := &verifyOpts
	f := verifyCmd.Flags()
	o.db.register(f, "")
	f.StringVar(&o.bindir, "bindir", "", "PostgreSQL bin directory (PATH if empty)")
	f.IntVar(&o.jobs, "jobs", verify.DefaultJobs(), "Parallel pg_dump processes")
	RootCmd.AddCommand(verifyCmd)
}
