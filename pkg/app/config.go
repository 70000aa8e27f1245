package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const configFlagName = "config"

func addConfigFlag(name string, target *string, fs *pflag.FlagSet) {
	fs.StringVarP(target, configFlagName, "c", "",
		fmt.Sprintf("Read configuration from this YAML file. Defaults to ./%[1]s.yaml or ~/.%[1]s/%[1]s.yaml if present.", name))
}

// loadConfig layers the config file and environment (prefix NAME_, dots and
// dashes as underscores) under the parsed flags and decodes the result into
// the options. Flags set on the command line win.
func (a *App) loadConfig(fs *pflag.FlagSet) error {
	v := a.viper
	if a.configFile != "" {
		v.SetConfigFile(a.configFile)
	} else {
		v.SetConfigName(a.name)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, "."+a.name))
		}
	}

	v.SetEnvPrefix(strings.ToUpper(strings.ReplaceAll(a.name, "-", "_")))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if a.configFile != "" || !errors.As(err, &notFound) {
			return &ExitError{Code: ExitUsage, Err: fmt.Errorf("failed to read configuration file: %w", err)}
		}
	}

	if err := v.BindPFlags(fs); err != nil {
		return fmt.Errorf("failed to bind flags: %w", err)
	}
	if a.options == nil {
		return nil
	}
	if err := v.Unmarshal(a.options); err != nil {
		return &ExitError{Code: ExitUsage, Err: fmt.Errorf("failed to decode configuration: %w", err)}
	}
	return nil
}
