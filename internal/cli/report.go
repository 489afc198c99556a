package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vbp1/pgstandby/internal/activity"
)

var reportOpts struct {
	db       dbFlags
	table    string
	limit    int
	printSQL bool
}

var reportCmd = &cobra.Command{
	Use:       "report <name>",
	Short:     "Summarize a snapshot table: " + strings.Join(activity.ReportNames(), ", "),
	Args:      cobra.ExactArgs(1),
	ValidArgs: activity.ReportNames(),
	RunE: func(cmd *cobra.Command, args []string) error {
		o := &reportOpts
		r, ok := activity.Lookup(args[0])
		if !ok {
			return fmt.Errorf("unknown report %q, want one of %s", args[0], strings.Join(activity.ReportNames(), ", "))
		}
		if o.printSQL {
			sql, err := r.SQL(o.table)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sql)
			return nil
		}

		pool, err := o.db.connect(cmd.Context(), 1)
		if err != nil {
			return err
		}
		defer pool.Close()
		_, err = r.Run(cmd.Context(), pool, o.table, o.limit, cmd.OutOrStdout())
		return err
	},
}

func init() {
	o := &reportOpts
	f := reportCmd.Flags()
	o.db.register(f, "")
	f.StringVar(&o.table, "table", "", "Snapshot table (required)")
	f.IntVar(&o.limit, "limit", 20, "Maximum rows for ranked reports")
	f.BoolVar(&o.printSQL, "print-sql", false, "Print the query instead of running it")
	_ = reportCmd.MarkFlagRequired("table")
	RootCmd.AddCommand(reportCmd)
}
