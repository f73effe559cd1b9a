package artifacts

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectStore wraps an S3-compatible client (MinIO in development) scoped
// to the three well-known buckets: raw, processed, public.
type ObjectStore struct {
	client  *s3.Client
	presign *s3.PresignClient
	raw     string
	proc    string
	pub     string
}

// ObjectStoreConfig carries the connection parameters for building a client
// against a MinIO-style endpoint.
type ObjectStoreConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	BucketRaw       string
	BucketProcessed string
	BucketPublic    string
}

// NewObjectStore builds an S3 client pointed at the configured endpoint,
// using a static credentials provider and path-style addressing, the
// pattern MinIO deployments require.
func NewObjectStore(ctx context.Context, cfg ObjectStoreConfig) (*ObjectStore, error) {
	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}
	endpointURL := fmt.Sprintf("%s://%s", scheme, cfg.Endpoint)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpointURL)
		o.UsePathStyle = true
	})

	return &ObjectStore{
		client:  client,
		presign: s3.NewPresignClient(client),
		raw:     cfg.BucketRaw,
		proc:    cfg.BucketProcessed,
		pub:     cfg.BucketPublic,
	}, nil
}

// Bucket identifies which of the three well-known buckets an operation
// targets.
type Bucket int

const (
	BucketRaw Bucket = iota
	BucketProcessed
	BucketPublic
)

func (s *ObjectStore) bucketName(b Bucket) string {
	switch b {
	case BucketRaw:
		return s.raw
	case BucketProcessed:
		return s.proc
	case BucketPublic:
		return s.pub
	default:
		return s.raw
	}
}

// Put uploads data to key within bucket.
func (s *ObjectStore) Put(ctx context.Context, bucket Bucket, key string, body io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucketName(bucket)),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", s.bucketName(bucket), key, err)
	}
	return nil
}

// Get retrieves key's contents within bucket. Caller must close the
// returned reader.
func (s *ObjectStore) Get(ctx context.Context, bucket Bucket, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName(bucket)),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", s.bucketName(bucket), key, err)
	}
	return out.Body, nil
}

// PresignUpload issues a presigned PUT URL for key, expiring after ttl.
func (s *ObjectStore) PresignUpload(ctx context.Context, bucket Bucket, key string, ttl time.Duration) (*url.URL, error) {
	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucketName(bucket)),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return nil, fmt.Errorf("presign upload %s/%s: %w", s.bucketName(bucket), key, err)
	}
	return url.Parse(req.URL)
}

// CreateMultipartUpload starts a multipart upload for key and returns its
// upload id, which the caller threads through one PresignUploadPart call
// per part.
func (s *ObjectStore) CreateMultipartUpload(ctx context.Context, bucket Bucket, key string) (string, error) {
	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucketName(bucket)),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("create multipart upload %s/%s: %w", s.bucketName(bucket), key, err)
	}
	return aws.ToString(out.UploadId), nil
}

// PresignUploadPart issues a presigned PUT URL for one part of an
// in-progress multipart upload.
func (s *ObjectStore) PresignUploadPart(ctx context.Context, bucket Bucket, key, uploadID string, partNumber int32, ttl time.Duration) (*url.URL, error) {
	req, err := s.presign.PresignUploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(s.bucketName(bucket)),
		Key:        aws.String(key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(partNumber),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return nil, fmt.Errorf("presign upload part %d for %s/%s: %w", partNumber, s.bucketName(bucket), key, err)
	}
	return url.Parse(req.URL)
}

// PresignDownload issues a presigned GET URL for key, expiring after ttl.
func (s *ObjectStore) PresignDownload(ctx context.Context, bucket Bucket, key string, ttl time.Duration) (*url.URL, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName(bucket)),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return nil, fmt.Errorf("presign download %s/%s: %w", s.bucketName(bucket), key, err)
	}
	return url.Parse(req.URL)
}

// Exists reports whether key is present within bucket.
func (s *ObjectStore) Exists(ctx context.Context, bucket Bucket, key string) bool {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucketName(bucket)),
		Key:    aws.String(key),
	})
	return err == nil
}
