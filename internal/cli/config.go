package cli

import (
	"github.com/spf13/pflag"

	"github.com/vbp1/pgstandby/internal/provision"
)

// applyConfigFile loads path into cfg, which is bound to fs, and then
// re-applies every flag given on the command line so that flags win over
// the file and the file wins over defaults.
func applyConfigFile(fs *pflag.FlagSet, path string, cfg *provision.Config) error {
	if path == "" {
		return nil
	}
	changed := map[string]string{}
	fs.Visit(func(f *pflag.Flag) { changed[f.Name] = f.Value.String() })

	if err := provision.LoadYAML(path, cfg); err != nil {
		return err
	}
	for name, val := range changed {
		if err := fs.Set(name, val); err != nil {
			return err
		}
	}
	return nil
}
