// Package objectstorage wraps an S3-compatible (MinIO) client for the two
// things the WASM worker needs: fetching a component's module bytes and
// spilling oversized execution results.
package objectstorage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Client is a thin wrapper over the AWS SDK v2 S3 client, configured for a
// MinIO-compatible endpoint with path-style addressing and static
// credentials, the way a self-hosted object store is always addressed.
type Client struct {
	s3     *s3.Client
	bucket string
}

// Config holds the MinIO connection settings. Region is fixed to
// "us-east-1" since MinIO ignores it but the SDK requires one be set.
type Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	ResultsBucket   string
}

func New(ctx context.Context, cfg Config) (*Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("objectstorage: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.Endpoint)
		o.UsePathStyle = true
	})

	return &Client{s3: client, bucket: cfg.ResultsBucket}, nil
}

// FetchModule downloads bucket/objectKey.extension and returns its bytes,
// the shape a WASM component is addressed by in an exec request's
// module_path field (split on "@" by the caller).
func (c *Client) FetchModule(ctx context.Context, bucket, objectKey, extension string) ([]byte, error) {
	key := fmt.Sprintf("%s.%s", objectKey, extension)
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("objectstorage: get object %s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("objectstorage: read object body %s/%s: %w", bucket, key, err)
	}
	return data, nil
}

// UploadResult writes data to the fixed results bucket under key and returns
// the "bucket/key" reference string used in both Upload Result (spill) and
// the guest-exposed upload_file host function.
func (c *Client) UploadResult(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	_, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("objectstorage: put object %s/%s: %w", c.bucket, key, err)
	}
	return fmt.Sprintf("%s/%s", c.bucket, key), nil
}

// Bucket returns the configured results bucket name.
func (c *Client) Bucket() string {
	return c.bucket
}
