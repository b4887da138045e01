package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	appErrors "github.com/afoxnyc3/invoice-agent/internal/errors"
)

// S3Store is the production BlobStore, backed by any S3-compatible
// object store — the bucket holding the invoice PDFs.
type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store builds an S3-backed Store for the given bucket. endpoint
// and region follow the standard aws-sdk-go-v2 config loading pattern;
// an empty endpoint uses the SDK's default resolver.
func NewS3Store(ctx context.Context, bucket, region, endpoint string) (*S3Store, error) {
	optFns := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		optFns = append(optFns, awsconfig.WithRegion(region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrorTypeFatal, "load aws config")
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Store{client: client, bucket: bucket}, nil
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte) error {
	// Blobs are write-once: check for an existing object first so
	// a redelivered ingestion attempt never clobbers content already
	// addressed by this key.
	if _, err := s.Get(ctx, key); err == nil {
		return nil
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return appErrors.Wrapf(err, appErrors.ErrorTypeTransient, "put blob %s", key)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, appErrors.Newf(appErrors.ErrorTypeNotFound, "blob %s not found", key)
		}
		return nil, appErrors.Wrapf(err, appErrors.ErrorTypeTransient, "get blob %s", key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, appErrors.Wrapf(err, appErrors.ErrorTypeTransient, "read blob %s", key)
	}
	return data, nil
}

func (s *S3Store) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	presigner := s3.NewPresignClient(s.client)
	req, err := presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", appErrors.Wrapf(err, appErrors.ErrorTypeTransient, "sign url for blob %s", key)
	}
	return req.URL, nil
}

func isNotFound(err error) bool {
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == 404
	}
	return false
}
