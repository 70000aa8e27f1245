package archive

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/autopeer-io/devicekit/pkg/log"
	"github.com/autopeer-io/devicekit/pkg/options"
)

type minioProvider struct {
	client     *minio.Client
	bucketName string
	region     string
	logger     log.Logger
}

var _ Provider = (*minioProvider)(nil)

// NewMinIOProvider creates an S3-compatible Provider.
func NewMinIOProvider(opts *options.S3Options, logger log.Logger) (Provider, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	minioOpts := &minio.Options{
		Creds:     credentials.NewStaticV4(opts.AccessKeyID, opts.SecretAccessKey, ""),
		Secure:    opts.UseSSL,
		Region:    opts.Region,
		Transport: transport,
	}

	client, err := minio.New(opts.Endpoint, minioOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &minioProvider{
		client:     client,
		bucketName: opts.BucketName,
		region:     opts.Region,
		logger:     logger.WithName("s3"),
	}, nil
}

func (p *minioProvider) CheckBucket(ctx context.Context) error {
	exists, err := p.client.BucketExists(ctx, p.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		p.logger.Info("Bucket does not exist, creating...", "bucket", p.bucketName)
		if err := p.client.MakeBucket(ctx, p.bucketName, minio.MakeBucketOptions{Region: p.region}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return nil
}

func (p *minioProvider) Put(ctx context.Context, objectKey string, r io.Reader, size int64, contentType string) error {
	_, err := p.client.PutObject(ctx, p.bucketName, objectKey, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", objectKey, err)
	}
	return nil
}

func (p *minioProvider) GeneratePresignedURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error) {
	presignedURL, err := p.client.PresignedGetObject(ctx, p.bucketName, objectKey, expiry, make(url.Values))
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned url: %w", err)
	}
	return presignedURL.String(), nil
}
