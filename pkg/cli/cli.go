// pkg/cli/cli.go
//
// Flag helpers shared by the cobra commands. Flags are declared on the
// command and bound into a viper instance so file, env and flag values
// resolve through one precedence chain.
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// AddStringFlag adds a string flag and optionally marks as required.
func AddStringFlag(cmd *cobra.Command, name, shorthand, def, help string, required bool) {
	cmd.Flags().StringP(name, shorthand, def, help)
	if required {
		if err := cmd.MarkFlagRequired(name); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to mark flag %s as required: %v\n", name, err)
		}
	}
}

// AddBoolFlag adds a boolean flag.
func AddBoolFlag(cmd *cobra.Command, name, shorthand string, def bool, help string) {
	cmd.Flags().BoolP(name, shorthand, def, help)
}

// AddIntFlag adds an int flag.
func AddIntFlag(cmd *cobra.Command, name, shorthand string, def int, help string) {
	cmd.Flags().IntP(name, shorthand, def, help)
}

// BindFlagsToViper binds the flags named in keys to v. keys maps a flag name
// to its dotted config key; an empty key binds under the flag name. Flags the
// user did not set keep lower-precedence values from file or env.
func BindFlagsToViper(fs *pflag.FlagSet, v *viper.Viper, keys map[string]string) error {
	if fs == nil {
		return nil
	}
	var result error
	fs.VisitAll(func(f *pflag.Flag) {
		key, ok := keys[f.Name]
		if !ok {
			return
		}
		if key == "" {
			key = f.Name
		}
		if err := v.BindPFlag(key, f); err != nil {
			result = multierror.Append(result, fmt.Errorf("bind --%s: %w", f.Name, err))
		}
	})
	return result
}

// SetViperEnvPrefix lets viper read PREFIX_SECTION_KEY environment variables.
func SetViperEnvPrefix(v *viper.Viper, prefix string) {
	v.SetEnvPrefix(prefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
}

// GetStringOrEmpty returns the string value or empty string if error.
func GetStringOrEmpty(cmd *cobra.Command, name string) string {
	val, err := cmd.Flags().GetString(name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to get flag %s: %v\n", name, err)
		return ""
	}
	return val
}

// GetRequiredString returns the flag value or an error when it is empty.
func GetRequiredString(cmd *cobra.Command, name string) (string, error) {
	val, err := cmd.Flags().GetString(name)
	if err != nil {
		return "", fmt.Errorf("flag error for --%s: %w", name, err)
	}
	if val == "" {
		return "", fmt.Errorf("required flag --%s is empty", name)
	}
	return val, nil
}
