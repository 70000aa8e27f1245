// Package app builds cobra based command line applications whose options are
// grouped into named flag sets and may also be read from a config file or the
// environment.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	cliflag "k8s.io/component-base/cli/flag"
	"k8s.io/component-base/cli/globalflag"

	"github.com/autopeer-io/devicekit/pkg/log"
)

// RunFunc is the work done by the root command when no subcommand is given.
type RunFunc func() error

// Option configures an App.
type Option func(*App)

// App is the root command of a CLI application.
type App struct {
	name        string
	shortDesc   string
	description string
	options     NamedFlagSetOptions
	runFunc     RunFunc
	noConfig    bool
	args        cobra.PositionalArgs
	commands    []*cobra.Command

	configFile string
	viper      *viper.Viper
	cmd        *cobra.Command
}

// WithOptions sets the options bound to the root's persistent flags.
func WithOptions(opts NamedFlagSetOptions) Option {
	return func(a *App) { a.options = opts }
}

// WithRunFunc sets the function run by the root command.
func WithRunFunc(run RunFunc) Option {
	return func(a *App) { a.runFunc = run }
}

// WithDescription sets the long description shown by --help.
func WithDescription(desc string) Option {
	return func(a *App) { a.description = desc }
}

// WithNoConfig disables the --config flag and config file lookup.
func WithNoConfig() Option {
	return func(a *App) { a.noConfig = true }
}

// WithCommands adds subcommands to the root.
func WithCommands(cmds ...*cobra.Command) Option {
	return func(a *App) { a.commands = append(a.commands, cmds...) }
}

// WithDefaultValidArgs rejects positional arguments on the root command.
func WithDefaultValidArgs() Option {
	return func(a *App) {
		a.args = func(cmd *cobra.Command, args []string) error {
			for _, arg := range args {
				if len(arg) > 0 {
					return fmt.Errorf("%q does not take any arguments, got %q", cmd.CommandPath(), args)
				}
			}
			return nil
		}
	}
}

// NewApp creates the application and its cobra command tree.
func NewApp(name, shortDesc string, opts ...Option) *App {
	a := &App{
		name:      name,
		shortDesc: shortDesc,
		viper:     viper.New(),
	}
	for _, o := range opts {
		o(a)
	}
	a.buildCommand()
	return a
}

// Command returns the root command.
func (a *App) Command() *cobra.Command {
	return a.cmd
}

func (a *App) buildCommand() {
	cmd := &cobra.Command{
		Use:           a.name,
		Short:         a.shortDesc,
		Long:          a.description,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          a.args,
	}
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)
	cmd.Flags().SortFlags = true
	cmd.PersistentPreRunE = a.prepare
	if a.runFunc != nil {
		cmd.RunE = func(*cobra.Command, []string) error { return a.runFunc() }
	}
	cmd.AddCommand(a.commands...)

	var fss cliflag.NamedFlagSets
	if a.options != nil {
		fss = a.options.Flags()
	}
	if !a.noConfig {
		addConfigFlag(a.name, &a.configFile, fss.FlagSet("global"))
	}
	globalflag.AddGlobalFlags(fss.FlagSet("global"), cmd.Name())
	for _, f := range fss.FlagSets {
		cmd.PersistentFlags().AddFlagSet(f)
	}

	a.cmd = cmd
}

// prepare loads the config file, then completes and validates the options
// before any command runs.
func (a *App) prepare(cmd *cobra.Command, _ []string) error {
	if !a.noConfig {
		if err := a.loadConfig(cmd.Flags()); err != nil {
			return err
		}
	}
	if a.options == nil {
		return nil
	}

	if err := a.options.Complete(); err != nil {
		return fmt.Errorf("failed to complete options: %w", err)
	}
	if err := a.options.Validate(); err != nil {
		return &ExitError{Code: ExitUsage, Err: err}
	}
	if lo, ok := a.options.(LoggerOptions); ok {
		log.Init(lo.LogOptions())
	}
	return nil
}

// Run executes the command tree under ctx and prints the error, if any.
func (a *App) Run(ctx context.Context) error {
	err := a.cmd.ExecuteContext(ctx)
	if err != nil {
		var exit *ExitError
		if !errors.As(err, &exit) || !exit.Silent {
			fmt.Fprintf(a.cmd.ErrOrStderr(), "Error: %v\n", err)
		}
	}
	_ = log.Sync()
	return err
}
