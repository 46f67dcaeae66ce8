package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/ruteri/passkey-account-backend/interfaces"
)

// S3Backend stores records in Amazon S3 or a compatible service.
type S3Backend struct {
	client      *s3.S3
	bucketName  string
	prefix      string
	log         *slog.Logger
	locationURI string
}

// NewS3Backend creates an S3 storage backend with static credentials.
func NewS3Backend(bucketName, prefix, region, endpoint, accessKey, secretKey string, log *slog.Logger) (*S3Backend, error) {
	uri := fmt.Sprintf("s3://%s/%s?region=%s", bucketName, prefix, region)
	if endpoint != "" {
		uri += fmt.Sprintf("&endpoint=%s", endpoint)
	}

	cfg := aws.Config{Region: aws.String(region)}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
		cfg.S3ForcePathStyle = aws.Bool(true)
	}
	if accessKey != "" && secretKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(accessKey, secretKey, "")
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &S3Backend{
		client:      s3.New(sess),
		bucketName:  bucketName,
		prefix:      strings.Trim(prefix, "/"),
		log:         log,
		locationURI: uri,
	}, nil
}

func (b *S3Backend) objectKey(kind RecordKind, key string) string {
	return path.Join(b.prefix, kind.String(), key)
}

func (b *S3Backend) Get(ctx context.Context, kind RecordKind, key string) ([]byte, error) {
	out, err := b.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(b.objectKey(kind, key)),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && (aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound") {
			return nil, fmt.Errorf("%s/%s: %w", kind.String(), key, interfaces.ErrRecordNotFound)
		}
		return nil, fmt.Errorf("failed to fetch %s/%s from s3: %w", kind.String(), key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read s3 object body: %w", err)
	}
	return data, nil
}

func (b *S3Backend) Put(ctx context.Context, kind RecordKind, key string, data []byte) error {
	_, err := b.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(b.objectKey(kind, key)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("failed to store %s/%s in s3: %w", kind.String(), key, err)
	}
	return nil
}

func (b *S3Backend) Delete(ctx context.Context, kind RecordKind, key string) error {
	_, err := b.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(b.objectKey(kind, key)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s from s3: %w", kind.String(), key, err)
	}
	return nil
}

func (b *S3Backend) List(ctx context.Context, kind RecordKind, prefix string) ([]string, error) {
	listPrefix := b.objectKey(kind, prefix)
	base := path.Join(b.prefix, kind.String()) + "/"

	var keys []string
	err := b.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucketName),
		Prefix: aws.String(listPrefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			keys = append(keys, strings.TrimPrefix(aws.StringValue(obj.Key), base))
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s in s3: %w", kind.String(), err)
	}
	return keys, nil
}

func (b *S3Backend) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := b.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucketName)})
	if err != nil {
		b.log.Debug("S3 backend unavailable", "bucket", b.bucketName, "err", err)
		return false
	}
	return true
}

func (b *S3Backend) Name() string {
	return "s3"
}

func (b *S3Backend) LocationURI() string {
	return b.locationURI
}
