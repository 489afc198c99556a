package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/vbp1/pgstandby/internal/rowcount"
)

// errDifferences makes rowdiff exit non-zero after printing the report.
var errDifferences = errors.New("databases differ")

var rowdiffOpts struct {
	db1, db2 dbFlags
	jobs     int
}

var rowdiffCmd = &cobra.Command{
	Use:   "rowdiff",
	Short: "Compare table lists and row counts of two databases",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		o := &rowdiffOpts
		ctx := cmd.Context()
		p1, err := o.db1.connect(ctx, int32(o.jobs))
		if err != nil {
			return err
		}
		defer p1.Close()
		p2, err := o.db2.connect(ctx, int32(o.jobs))
		if err != nil {
			return err
		}
		defer p2.Close()

		d, err := rowcount.Compare(ctx, p1, p2, o.jobs)
		if err != nil {
			return err
		}
		if err := rowcount.Render(cmd.OutOrStdout(), d); err != nil {
			return err
		}
		if !d.Empty() {
			return errDifferences
		}
		return nil
	},
}

func init() {
	o := &rowdiffOpts
	f := rowdiffCmd.Flags()
	o.db1.register(f, "1")
	o.db2.register(f, "2")
	f.IntVar(&o.jobs, "jobs", 4, "Concurrent count(*) queries per database")
	RootCmd.AddCommand(rowdiffCmd)
}
