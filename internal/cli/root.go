package cli

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vbp1/pgstandby/internal/log"
	"github.com/vbp1/pgstandby/internal/process"
	"github.com/vbp1/pgstandby/internal/util/signalctx"
)

// Global flags shared by every subcommand.
type globalFlags struct {
	Config    string
	Debug     bool
	Verbose   bool
	LogFormat string
}

var global globalFlags

// RootCmd is the main entry point invoked from cmd/pgstandby
var RootCmd = &cobra.Command{
	Use:           "pgstandby",
	Short:         "Provision a PostgreSQL streaming replica from a running primary",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.Setup(global.Debug, global.Verbose, global.LogFormat)
	},
}

// childGrace is how long children get between SIGTERM and SIGKILL after an interrupt.
const childGrace = 5 * time.Second

// Execute parses flags and runs the selected command. SIGINT/SIGTERM cancel
// the command context; external children still alive afterwards are killed.
func Execute() error {
	ctx, cancel, sigCh := signalctx.WithSignals(context.Background())
	defer cancel()
	go func() {
		if s, ok := <-sigCh; ok {
			slog.Warn("interrupted", "signal", s.String())
		}
	}()

	disarm := process.KillChildrenOnCancel(ctx, childGrace)
	defer disarm()

	return RootCmd.ExecuteContext(ctx)
}

func init() {
	pf := RootCmd.PersistentFlags()
	pf.StringVar(&global.Config, "config", "", "YAML file with provision settings (flags override it)")
	pf.BoolVar(&global.Debug, "debug", false, "Enable debug trace output")
	pf.BoolVar(&global.Verbose, "verbose", false, "Verbose output")
	pf.StringVar(&global.LogFormat, "log-format", "text", "Log format: text|json")
}

// envUser is the libpq default user.
func envUser() string {
	if u := os.Getenv("PGUSER"); u != "" {
		return u
	}
	return os.Getenv("USER")
}
