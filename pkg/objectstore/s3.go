package objectstore

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/finopsctl/billingpipe/pkg/errors"
)

// S3Client implements Client against an S3 bucket.
type S3Client struct {
	bucket     string
	client     *s3.Client
	downloader *manager.Downloader
}

// NewS3Client builds a client for one bucket using the SDK default
// credential chain.
func NewS3Client(ctx context.Context, bucket, region string) (*S3Client, error) {
	if bucket == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "s3 bucket is required")
	}
	if region == "" {
		region = "us-east-1"
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to load AWS configuration")
	}

	client := s3.NewFromConfig(cfg)
	return &S3Client{
		bucket:     bucket,
		client:     client,
		downloader: manager.NewDownloader(client),
	}, nil
}

func (c *S3Client) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	paginator := s3.NewListObjectsV2Paginator(c.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to list objects").
				WithDetail("bucket", c.bucket).
				WithDetail("prefix", prefix)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}

	return keys, nil
}

func (c *S3Client) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to get object").
			WithDetail("bucket", c.bucket).
			WithDetail("key", key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to read object body").
			WithDetail("key", key)
	}
	return data, nil
}

func (c *S3Client) Download(ctx context.Context, key, localPath string) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to create download directory").
			WithDetail("path", localPath)
	}

	f, err := os.Create(localPath)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to create local file").
			WithDetail("path", localPath)
	}
	defer f.Close()

	_, err = c.downloader.Download(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		os.Remove(localPath)
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to download object").
			WithDetail("bucket", c.bucket).
			WithDetail("key", key)
	}
	return nil
}
