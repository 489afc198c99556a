// Package debug holds test hooks for the integration suite.
package debug

import (
	"fmt"
	"os"
	"strings"
)

// StopEnv lists the step names (comma separated) at which the process parks.
const StopEnv = "PGSTANDBY_TEST_STOP"

// StopIf blocks forever when label is listed in PGSTANDBY_TEST_STOP, after
// printing a marker to stderr. Integration tests use it to deliver signals at
// a known point of the workflow.
func StopIf(label string) {
	if !Armed(label) {
		return
	}
	fmt.Fprintf(os.Stderr, "TEST_stop_point_%s\n", label)
	select {}
}

// Armed reports whether StopIf would block at label.
func Armed(label string) bool {
	for _, l := range strings.Split(os.Getenv(StopEnv), ",") {
		if strings.TrimSpace(l) == label {
			return label != ""
		}
	}
	return false
}
