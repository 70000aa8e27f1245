package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*RestoreOptions)(nil)

// RestoreOptions configures the supervised restore process.
type RestoreOptions struct {
	// Tool is the restore executable, resolved through PATH unless absolute.
	Tool string `json:"tool" mapstructure:"tool"`

	// LogDir is the root for per-device run logs: {LogDir}/{udid}/restore-*.log
	LogDir string `json:"log-dir" mapstructure:"log-dir"`

	// Timeout bounds the whole restore process.
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`

	// MinDiskGB is the free space the log directory's volume must have before a restore.
	MinDiskGB float64 `json:"min-disk-gb" mapstructure:"min-disk-gb"`
}

// NewRestoreOptions creates a RestoreOptions object with default parameters.
func NewRestoreOptions() *RestoreOptions {
	return &RestoreOptions{
		Tool:      "idevicerestore",
		LogDir:    "logs",
		Timeout:   time.Hour,
		MinDiskGB: 10,
	}
}

// Validate is used to parse and validate the parameters entered by the user at
// the command line when the program starts.
func (o *RestoreOptions) Validate() []error {
	if o == nil {
		return nil
	}

	errors := []error{}

	if o.Tool == "" {
		errors = append(errors, fmt.Errorf("--restore.tool must not be empty"))
	}
	if o.LogDir == "" {
		errors = append(errors, fmt.Errorf("--restore.log-dir must not be empty"))
	}
	if o.Timeout <= 0 {
		errors = append(errors, fmt.Errorf("--restore.timeout must be positive, got %s", o.Timeout))
	}
	if o.MinDiskGB < 0 {
		errors = append(errors, fmt.Errorf("--restore.min-disk-gb must not be negative"))
	}

	return errors
}

// AddFlags adds flags for RestoreOptions to the specified FlagSet.
func (o *RestoreOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Tool, "restore.tool", o.Tool, "Name or path of the restore executable.")
	fs.StringVar(&o.LogDir, "restore.log-dir", o.LogDir, "Directory for per-run restore logs.")
	fs.DurationVar(&o.Timeout, "restore.timeout", o.Timeout, "Upper bound for a whole restore run.")
	fs.Float64Var(&o.MinDiskGB, "restore.min-disk-gb", o.MinDiskGB, "Minimum free disk space in GB required on the log volume.")
}
