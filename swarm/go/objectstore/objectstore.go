// Package objectstore hands out presigned download URLs for resource files
// (wordlists, rule lists, masks). Agents download directly from the object
// store; the control plane never proxies file contents.
package objectstore

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"go.cipherswarm.org/server/go/cserr"
	"go.cipherswarm.org/server/swarm/go/config"
)

// Client wraps the S3 API for the single bucket the control plane uses.
type Client struct {
	s3      *s3.Client
	presign *s3.PresignClient
	bucket  string
	expiry  time.Duration
}

// New builds a Client from the server configuration. A non-empty S3Endpoint
// switches to path-style addressing for MinIO compatibility.
func New(ctx context.Context, cfg config.Config) (*Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, cserr.Wrap(err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})
	return &Client{
		s3:      client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.S3Bucket,
		expiry:  cfg.PresignExpiry,
	}, nil
}

// PresignDownload returns a time-limited GET URL for the given object key.
func (c *Client) PresignDownload(ctx context.Context, key string) (string, error) {
	req, err := c.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(c.expiry))
	if err != nil {
		return "", cserr.WithKind(cserr.Dependency, cserr.Wrap(err))
	}
	return req.URL, nil
}

// Ping checks reachability of the configured bucket.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.s3.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(c.bucket),
	}); err != nil {
		return cserr.WithKind(cserr.Dependency, cserr.Wrap(err))
	}
	return nil
}
