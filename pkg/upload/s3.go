package upload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/testoor/pkg/config"
)

const defaultPrefix = "testoor"

// s3Uploader implements Uploader for S3-compatible storage.
type s3Uploader struct {
	log    logrus.FieldLogger
	cfg    *config.S3UploadConfig
	client *s3.Client
}

// Ensure interface compliance.
var _ Uploader = (*s3Uploader)(nil)

// NewS3Uploader creates a new S3 uploader from the given configuration.
func NewS3Uploader(
	log logrus.FieldLogger,
	cfg *config.S3UploadConfig,
) (Uploader, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("upload bucket is required")
	}

	return &s3Uploader{
		log:    log.WithField("component", "s3-uploader"),
		cfg:    cfg,
		client: newS3Client(cfg),
	}, nil
}

func newS3Client(cfg *config.S3UploadConfig) *s3.Client {
	return s3.New(s3.Options{}, func(o *s3.Options) {
		o.Region = cfg.Region
		if o.Region == "" {
			o.Region = "us-east-1"
		}

		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}

		o.UsePathStyle = cfg.ForcePathStyle

		if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, "",
			)
		}
	})
}

// Preflight verifies S3 connectivity by writing a small test object.
func (u *s3Uploader) Preflight(ctx context.Context) error {
	content := fmt.Sprintf("testoor write test: %s", time.Now().UTC().Format(time.RFC3339))

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.cfg.Bucket),
		Key:         aws.String(resolvePrefix(u.cfg.Prefix) + "/.write-test"),
		Body:        strings.NewReader(content),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return fmt.Errorf("writing test object to s3://%s: %w", u.cfg.Bucket, err)
	}

	return nil
}

// UploadBackup compresses path into a temporary file and uploads it under
// <prefix>/backups/.
func (u *s3Uploader) UploadBackup(ctx context.Context, path string) (string, error) {
	tmp, err := os.CreateTemp("", "testoor-backup-*"+CompressedExt)
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}

	tmpPath := tmp.Name()
	_ = tmp.Close()

	defer func() { _ = os.Remove(tmpPath) }()

	size, err := CompressFile(path, tmpPath)
	if err != nil {
		return "", err
	}

	f, err := os.Open(tmpPath)
	if err != nil {
		return "", fmt.Errorf("opening compressed backup: %w", err)
	}
	defer func() { _ = f.Close() }()

	key := backupKey(u.cfg.Prefix, path)

	input := &s3.PutObjectInput{
		Bucket:        aws.String(u.cfg.Bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/zstd"),
	}

	if u.cfg.StorageClass != "" {
		input.StorageClass = s3types.StorageClass(u.cfg.StorageClass)
	}

	if u.cfg.ACL != "" {
		input.ACL = s3types.ObjectCannedACL(u.cfg.ACL)
	}

	if _, err := u.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("PutObject: %w", err)
	}

	u.log.WithFields(logrus.Fields{
		"bucket": u.cfg.Bucket,
		"key":    key,
		"size":   units.HumanSize(float64(size)),
	}).Info("Backup uploaded")

	return key, nil
}

// ListBackups lists the objects under <prefix>/backups/.
func (u *s3Uploader) ListBackups(ctx context.Context) ([]RemoteBackup, error) {
	prefix := resolvePrefix(u.cfg.Prefix) + "/backups/"

	var backups []RemoteBackup

	paginator := s3.NewListObjectsV2Paginator(u.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(u.cfg.Bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing backups under %q: %w", prefix, err)
		}

		for _, obj := range page.Contents {
			b := RemoteBackup{
				Key:       aws.ToString(obj.Key),
				SizeBytes: aws.ToInt64(obj.Size),
			}

			if obj.LastModified != nil {
				b.LastModified = obj.LastModified.UTC()
			}

			backups = append(backups, b)
		}
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].LastModified.After(backups[j].LastModified)
	})

	return backups, nil
}

// resolvePrefix returns the configured key prefix without trailing slashes.
func resolvePrefix(prefix string) string {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		return defaultPrefix
	}

	return prefix
}

// backupKey is the object key for a local backup file.
func backupKey(prefix, path string) string {
	return resolvePrefix(prefix) + "/backups/" + filepath.Base(path) + CompressedExt
}
