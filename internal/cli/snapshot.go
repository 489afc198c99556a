package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vbp1/pgstandby/internal/activity"
)

var snapshotOpts struct {
	db       dbFlags
	table    string
	interval time.Duration
	duration time.Duration
	truncate bool
	unlogged bool
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Store periodic pg_stat_activity snapshots into a table (superuser)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		o := &snapshotOpts
		if o.interval <= 0 {
			return fmt.Errorf("--interval must be positive")
		}
		pool, err := o.db.connect(cmd.Context(), 1)
		if err != nil {
			return err
		}
		defer pool.Close()

		c := &activity.Collector{
			DB:       pool,
			Table:    o.table,
			Unlogged: o.unlogged,
			Truncate: o.truncate,
			Interval: o.interval,
			Duration: o.duration,
		}
		res, err := c.Run(cmd.Context())
		fmt.Fprintf(cmd.OutOrStdout(), "%d snapshot(s) stored in %s, %d failed\n", res.Snapshots, o.table, res.Errors)
		return err
	},
}

func init() {
	o := &snapshotOpts
	f := snapshotCmd.Flags()
	o.db.register(f, "")
	f.StringVar(&o.table, "table", "", "Table storing the snapshots (required)")
	f.DurationVar(&o.interval, "interval", 0, "Snapshot interval, e.g. 500ms (required)")
	f.DurationVar(&o.duration, "duration", 0, "How long to collect, e.g. 10m (required)")
	f.BoolVar(&o.truncate, "truncate", false, "Truncate the table if it already exists")
	f.BoolVar(&o.unlogged, "unlogged", false, "Create the table UNLOGGED (no extra WAL)")
	_ = snapshotCmd.MarkFlagRequired("table")
	_ = snapshotCmd.MarkFlagRequired("interval")
	_ = snapshotCmd.MarkFlagRequired("duration")
	RootCmd.AddCommand(snapshotCmd)
}
