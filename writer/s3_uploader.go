package writer

import (
	"context"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "tradeflow/config"
)

// s3Uploader ships the snapshot file to a configured bucket so the
// offline analysis tooling can pick it up.
type s3Uploader struct {
	client *s3.Client
	bucket string
	prefix string
}

func newS3Uploader(cfg *appconfig.Config) (*s3Uploader, error) {
	ctx := context.Background()

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Storage.S3.Region)}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	return &s3Uploader{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.Storage.S3.Bucket,
		prefix: cfg.Storage.S3.Prefix,
	}, nil
}

// uploadFile puts the whole snapshot file under a date-partitioned key.
func (u *s3Uploader) uploadFile(ctx context.Context, localPath string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open snapshot file: %w", err)
	}
	defer file.Close()

	key := path.Join(u.prefix, time.Now().UTC().Format("2006/01/02"), path.Base(localPath))
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
		Body:   file,
	})
	if err != nil {
		return fmt.Errorf("failed to put snapshot object: %w", err)
	}
	return nil
}
