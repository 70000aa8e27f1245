package options

import (
	"path/filepath"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	cliflag "k8s.io/component-base/cli/flag"

	"github.com/autopeer-io/devicekit/internal/restore"
	"github.com/autopeer-io/devicekit/internal/toolkit"
	"github.com/autopeer-io/devicekit/internal/transition"
	"github.com/autopeer-io/devicekit/pkg/app"
	"github.com/autopeer-io/devicekit/pkg/log"
	"github.com/autopeer-io/devicekit/pkg/options"
)

type DkitOptions struct {
	RestoreOptions    *options.RestoreOptions    `json:"restore" mapstructure:"restore"`
	DetectOptions     *options.DetectOptions     `json:"detect" mapstructure:"detect"`
	TransitionOptions *options.TransitionOptions `json:"transition" mapstructure:"transition"`
	MetricsOptions    *options.MetricsOptions    `json:"metrics" mapstructure:"metrics"`
	S3Options         *options.S3Options         `json:"s3" mapstructure:"s3"`
	MqttOptions       *options.MqttOptions       `json:"mqtt" mapstructure:"mqtt"`
	Log               *log.Options               `json:"log" mapstructure:"log"`
}

var (
	_ app.NamedFlagSetOptions = (*DkitOptions)(nil)
	_ app.LoggerOptions       = (*DkitOptions)(nil)
)

func NewDkitOptions() *DkitOptions {
	o := &DkitOptions{
		RestoreOptions:    options.NewRestoreOptions(),
		DetectOptions:     options.NewDetectOptions(),
		TransitionOptions: options.NewTransitionOptions(),
		MetricsOptions:    options.NewMetricsOptions(),
		S3Options:         options.NewS3Options(),
		MqttOptions:       options.NewMqttOptions(),
		Log:               log.NewOptions(),
	}

	return o
}

func (o *DkitOptions) Flags() cliflag.NamedFlagSets {
	fss := cliflag.NamedFlagSets{}
	o.RestoreOptions.AddFlags(fss.FlagSet("restore"))
	o.DetectOptions.AddFlags(fss.FlagSet("detect"))
	o.TransitionOptions.AddFlags(fss.FlagSet("transition"))
	o.MetricsOptions.AddFlags(fss.FlagSet("metrics"))
	o.S3Options.AddFlags(fss.FlagSet("s3"))
	o.MqttOptions.AddFlags(fss.FlagSet("mqtt"))
	o.Log.AddFlags(fss.FlagSet("log"))
	return fss
}

func (o *DkitOptions) Complete() error {
	if o.RestoreOptions.LogDir != "" {
		dir, err := filepath.Abs(o.RestoreOptions.LogDir)
		if err != nil {
			return err
		}
		o.RestoreOptions.LogDir = dir
	}
	return nil
}

func (o *DkitOptions) Validate() error {
	errs := []error{}
	errs = append(errs, o.RestoreOptions.Validate()...)
	errs = append(errs, o.DetectOptions.Validate()...)
	errs = append(errs, o.TransitionOptions.Validate()...)
	errs = append(errs, o.MetricsOptions.Validate()...)
	errs = append(errs, o.S3Options.Validate()...)
	errs = append(errs, o.MqttOptions.Validate()...)
	errs = append(errs, o.Log.Validate()...)
	return utilerrors.NewAggregate(errs)
}

func (o *DkitOptions) LogOptions() *log.Options {
	return o.Log
}

// Config converts the options into the toolkit configuration.
func (o *DkitOptions) Config() (*toolkit.Config, error) {
	return &toolkit.Config{
		Restore: restore.Config{
			Tool:      o.RestoreOptions.Tool,
			LogDir:    o.RestoreOptions.LogDir,
			Timeout:   o.RestoreOptions.Timeout,
			MinDiskGB: o.RestoreOptions.MinDiskGB,
		},
		Transition: transition.Config{
			Timeout:       o.TransitionOptions.Timeout,
			PollInterval:  o.TransitionOptions.PollInterval,
			DetectTimeout: o.DetectOptions.Timeout,
		},
		DetectTimeout: o.DetectOptions.Timeout,
		DetectBackoff: o.DetectOptions.Backoff(),
		USBProbe:      o.DetectOptions.USBProbe,
	}, nil
}
