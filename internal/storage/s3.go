package storage

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// DownloadURLExpiry is how long a presigned download link stays valid.
const DownloadURLExpiry = 24 * time.Hour

// Client stores rendered illustrations in S3 or an S3-compatible bucket
type Client struct {
	s3Client  *s3.Client
	presign   *s3.PresignClient
	bucket    string
	publicURL string // optional base URL for a public bucket (e.g. http://localhost:9000/picturebook)
}

// NewClient creates a new S3 storage client. Without an access key the default
// AWS credential chain is used.
func NewClient(ctx context.Context, endpoint, region, bucket, accessKey, secretKey, publicURL string) (*Client, error) {
	configOpts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}
	if accessKey != "" {
		configOpts = append(configOpts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}
	// Custom endpoint for MinIO/LocalStack/R2
	if endpoint != "" {
		configOpts = append(configOpts, config.WithBaseEndpoint(endpoint))
	}

	cfg, err := config.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Path-style addressing for MinIO. Checksums only when required, for R2.
	s3Client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	log.Info().
		Str("endpoint", endpoint).
		Str("bucket", bucket).
		Bool("public", publicURL != "").
		Msg("S3 client initialized")

	return &Client{
		s3Client:  s3Client,
		presign:   s3.NewPresignClient(s3Client),
		bucket:    bucket,
		publicURL: publicURL,
	}, nil
}

// PublicURL returns the public URL for an object key. Empty if publicURL was not configured.
func (c *Client) PublicURL(key string) string {
	if c.publicURL == "" {
		return ""
	}
	return strings.TrimSuffix(c.publicURL, "/") + "/" + strings.TrimPrefix(key, "/")
}

// Upload uploads data to S3. contentLength must be > 0; S3-compatible backends (e.g. R2) require the Content-Length header.
func (c *Client) Upload(ctx context.Context, key string, data io.Reader, contentType string, contentLength int64) error {
	input := &s3.PutObjectInput{
		Bucket:             aws.String(c.bucket),
		Key:                aws.String(key),
		Body:               data,
		ContentType:        aws.String(contentType),
		ContentLength:      aws.Int64(contentLength),
		ContentDisposition: aws.String("attachment"),
	}
	if _, err := c.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}

	log.Info().
		Str("bucket", c.bucket).
		Str("key", key).
		Int64("bytes", contentLength).
		Msg("Illustration uploaded to S3")

	return nil
}

// DownloadURL returns the public URL when configured, otherwise a presigned GET
// valid for DownloadURLExpiry.
func (c *Client) DownloadURL(ctx context.Context, key string) (string, error) {
	if u := c.PublicURL(key); u != "" {
		return u, nil
	}

	req, err := c.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = DownloadURLExpiry
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}

	return req.URL, nil
}
