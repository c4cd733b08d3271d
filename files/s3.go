package files

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/lazyapps/lazycrud/schema"
)

// S3Config holds object storage connection settings. Endpoint is set for
// S3-compatible providers (R2, MinIO) and left empty for AWS itself.
type S3Config struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	URLTTL          time.Duration
}

// S3Storage implements Storage over an S3-compatible bucket. Blob ids map
// directly to object keys.
type S3Storage struct {
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
	urlTTL    time.Duration
}

// NewS3Client builds an S3 client from config.
func NewS3Client(cfg S3Config) (*s3.Client, error) {
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" || cfg.Bucket == "" {
		return nil, errors.New("incomplete storage configuration")
	}

	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")

	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithCredentialsProvider(creds),
		awsconfig.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return client, nil
}

// NewS3Storage creates blob storage over an S3 client.
func NewS3Storage(client *s3.Client, bucket string, urlTTL time.Duration) *S3Storage {
	if urlTTL <= 0 {
		urlTTL = 15 * time.Minute
	}
	return &S3Storage{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    bucket,
		urlTTL:    urlTTL,
	}
}

// Delete removes a blob.
func (s *S3Storage) Delete(ctx context.Context, id schema.FileID) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(string(id)),
	})
	if err != nil {
		return fmt.Errorf("delete object %s: %w", id, err)
	}
	return nil
}

// SignedURL returns a time-limited read URL for a blob.
func (s *S3Storage) SignedURL(ctx context.Context, id schema.FileID) (string, error) {
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(string(id)),
	}, s3.WithPresignExpires(s.urlTTL))
	if err != nil {
		return "", fmt.Errorf("presign object %s: %w", id, err)
	}
	return req.URL, nil
}

// Compile-time check.
var _ Storage = (*S3Storage)(nil)
