package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"k8s.io/apimachinery/pkg/util/wait"
)

var _ IOptions = (*DetectOptions)(nil)

// DetectOptions configures how long and how often mode probes are polled.
type DetectOptions struct {
	Timeout  time.Duration `json:"timeout" mapstructure:"timeout"`
	Interval time.Duration `json:"interval" mapstructure:"interval"`
	Factor   float64       `json:"factor" mapstructure:"factor"`
	Cap      time.Duration `json:"cap" mapstructure:"cap"`

	// USBProbe adds USB descriptor enumeration as the last detection provider.
	USBProbe bool `json:"usb-probe" mapstructure:"usb-probe"`
}

func NewDetectOptions() *DetectOptions {
	return &DetectOptions{
		Timeout:  10 * time.Second,
		Interval: 500 * time.Millisecond,
		Factor:   1.5,
		Cap:      3 * time.Second,
	}
}

func (o *DetectOptions) Validate() []error {
	if o == nil {
		return nil
	}

	var errors []error

	if o.Timeout <= 0 {
		errors = append(errors, fmt.Errorf("--detect.timeout must be positive"))
	}
	if o.Interval <= 0 {
		errors = append(errors, fmt.Errorf("--detect.interval must be positive"))
	}
	if o.Factor < 1 {
		errors = append(errors, fmt.Errorf("--detect.factor must be >= 1, got %v", o.Factor))
	}
	if o.Cap < o.Interval {
		errors = append(errors, fmt.Errorf("--detect.cap must be >= --detect.interval"))
	}

	return errors
}

func (o *DetectOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.DurationVar(&o.Timeout, "detect.timeout", o.Timeout, "Upper bound for a single mode detection.")
	fs.DurationVar(&o.Interval, "detect.interval", o.Interval, "Initial delay between probe rounds.")
	fs.Float64Var(&o.Factor, "detect.factor", o.Factor, "Multiplier applied to the delay after each round.")
	fs.DurationVar(&o.Cap, "detect.cap", o.Cap, "Maximum delay between probe rounds.")
	fs.BoolVar(&o.USBProbe, "detect.usb-probe", o.USBProbe, "Also enumerate USB descriptors to tell recovery from DFU.")
}

// Backoff converts the options into the polling schedule used by the detector.
func (o *DetectOptions) Backoff() wait.Backoff {
	return wait.Backoff{
		Duration: o.Interval,
		Factor:   o.Factor,
		Jitter:   0.1,
		Steps:    1 << 30,
		Cap:      o.Cap,
	}
}
