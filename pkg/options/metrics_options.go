package options

import (
	"github.com/spf13/pflag"
)

var _ IOptions = (*MetricsOptions)(nil)

// MetricsOptions controls the Prometheus endpoint served while a command runs.
type MetricsOptions struct {
	// Addr is the listen address; empty disables the endpoint.
	Addr string `json:"addr" mapstructure:"addr"`
}

// NewMetricsOptions creates a MetricsOptions object with the endpoint disabled.
func NewMetricsOptions() *MetricsOptions {
	return &MetricsOptions{}
}

// Enabled reports whether an address was configured.
func (o *MetricsOptions) Enabled() bool {
	return o != nil && o.Addr != ""
}

// Validate is used to parse and validate the parameters entered by the user at
// the command line when the program starts.
func (o *MetricsOptions) Validate() []error {
	if !o.Enabled() {
		return nil
	}

	errors := []error{}

	if err := ValidateAddress(o.Addr); err != nil {
		errors = append(errors, err)
	}

	return errors
}

// AddFlags adds flags for MetricsOptions to the specified FlagSet.
func (o *MetricsOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Addr, "metrics.addr", o.Addr, "Serve Prometheus metrics and /healthz on this address (e.g. 127.0.0.1:9310). Empty disables.")
}
