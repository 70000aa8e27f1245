package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*TransitionOptions)(nil)

// TransitionOptions bounds mode changes (enter recovery, kickout, waiting for DFU).
type TransitionOptions struct {
	// Timeout is how long a requested mode must take to be observed.
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`

	// PollInterval is the delay between confirmation probes.
	PollInterval time.Duration `json:"poll-interval" mapstructure:"poll-interval"`
}

func NewTransitionOptions() *TransitionOptions {
	return &TransitionOptions{
		Timeout:      90 * time.Second,
		PollInterval: 2 * time.Second,
	}
}

func (o *TransitionOptions) Validate() []error {
	if o == nil {
		return nil
	}

	var errors []error

	if o.Timeout <= 0 {
		errors = append(errors, fmt.Errorf("--transition.timeout must be positive"))
	}
	if o.PollInterval <= 0 || o.PollInterval > o.Timeout {
		errors = append(errors, fmt.Errorf("--transition.poll-interval must be positive and not exceed --transition.timeout"))
	}

	return errors
}

func (o *TransitionOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.DurationVar(&o.Timeout, "transition.timeout", o.Timeout, "How long to wait for a requested mode change to be observed.")
	fs.DurationVar(&o.PollInterval, "transition.poll-interval", o.PollInterval, "Delay between mode confirmation probes.")
}
