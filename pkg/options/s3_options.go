package options

import (
	"fmt"

	"github.com/spf13/pflag"
)

var _ IOptions = (*S3Options)(nil)

// S3Options configures the optional upload of restore results and run logs.
type S3Options struct {
	Enabled         bool   `json:"enabled" mapstructure:"enabled"`
	Endpoint        string `json:"endpoint" mapstructure:"endpoint"`
	AccessKeyID     string `json:"access-key-id" mapstructure:"access-key-id"`
	SecretAccessKey string `json:"secret-access-key" mapstructure:"secret-access-key"`
	UseSSL          bool   `json:"use-ssl" mapstructure:"use-ssl"`
	BucketName      string `json:"bucket-name" mapstructure:"bucket-name"`
	Region          string `json:"region" mapstructure:"region"`

	// InsecureSkipVerify accepts self-signed endpoint certificates (lab MinIO).
	InsecureSkipVerify bool `json:"insecure-skip-verify" mapstructure:"insecure-skip-verify"`

	// Prefix is prepended to every object key.
	Prefix string `json:"prefix" mapstructure:"prefix"`
}

func NewS3Options() *S3Options {
	return &S3Options{
		Endpoint:   "127.0.0.1:9000",
		UseSSL:     false,
		BucketName: "dkit-results",
		Region:     "us-east-1",
		Prefix:     "restores",
	}
}

func (o *S3Options) Validate() []error {
	if o == nil || !o.Enabled {
		return nil
	}

	errors := []error{}

	if o.Endpoint == "" {
		errors = append(errors, fmt.Errorf("--s3.endpoint is required when --s3.enabled is set"))
	}
	if o.BucketName == "" {
		errors = append(errors, fmt.Errorf("--s3.bucket-name is required when --s3.enabled is set"))
	}
	if (o.AccessKeyID == "") != (o.SecretAccessKey == "") {
		errors = append(errors, fmt.Errorf("--s3.access-key-id and --s3.secret-access-key must be set together"))
	}

	return errors
}

func (o *S3Options) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.BoolVar(&o.Enabled, "s3.enabled", o.Enabled, "Upload result.json and the run log of every restore to S3.")
	fs.StringVar(&o.Endpoint, "s3.endpoint", o.Endpoint, "S3 service endpoint (e.g. s3.amazonaws.com or minio.local:9000)")
	fs.StringVar(&o.AccessKeyID, "s3.access-key-id", o.AccessKeyID, "S3 access key ID")
	fs.StringVar(&o.SecretAccessKey, "s3.secret-access-key", o.SecretAccessKey, "S3 secret access key")
	fs.BoolVar(&o.UseSSL, "s3.use-ssl", o.UseSSL, "Enable SSL for S3 connection")
	fs.StringVar(&o.BucketName, "s3.bucket-name", o.BucketName, "S3 bucket name for restore results")
	fs.StringVar(&o.Region, "s3.region", o.Region, "S3 region")
	fs.BoolVar(&o.InsecureSkipVerify, "s3.insecure-skip-verify", o.InsecureSkipVerify, "Skip TLS certificate verification for the S3 endpoint")
	fs.StringVar(&o.Prefix, "s3.prefix", o.Prefix, "Object key prefix for uploaded results")
}
