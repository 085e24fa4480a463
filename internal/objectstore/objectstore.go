// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package objectstore uploads generated artwork to an S3-compatible
// object store and mints time-limited retrieval URLs for it.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/reflectivelabs/iconworks/internal/config"
)

// Putter is the slice of the S3 client used for uploads.
type Putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Presigner is the slice of the S3 presign client used for minting
// retrieval URLs.
type Presigner interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Store wraps an S3 bucket with the two operations the pipeline needs.
type Store struct {
	bucket    string
	putter    Putter
	presigner Presigner
}

// NewStore builds a Store from the service configuration. A non-empty
// endpoint switches the client to path-style addressing, which is what
// S3-compatible stores such as minio expect.
func NewStore(ctx context.Context, cfg config.S3) (*Store, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Annotate(err, "loading aws config")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewStoreWithClients(cfg.Bucket, client, s3.NewPresignClient(client)), nil
}

// NewStoreWithClients builds a Store around existing clients. Tests use
// this to substitute fakes.
func NewStoreWithClients(bucket string, putter Putter, presigner Presigner) *Store {
	return &Store{
		bucket:    bucket,
		putter:    putter,
		presigner: presigner,
	}
}

// Put uploads the given bytes under key and returns the stored key.
func (s *Store) Put(ctx context.Context, key string, data []byte) (string, error) {
	_, err := s.putter.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("image/png"),
	})
	if err != nil {
		return "", errors.Annotatef(err, "uploading object %q", key)
	}
	return key, nil
}

// SignedURL returns a presigned GET URL for key, valid for ttl. The
// URL expires; callers must not cache it beyond the TTL.
func (s *Store) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", errors.Annotatef(err, "presigning object %q", key)
	}
	return req.URL, nil
}

// ObjectKey returns a fresh key for one generation attempt. Keys embed
// the job id and a timestamp plus nonce so attempts for the same job
// never collide.
func ObjectKey(jobID string, now time.Time) string {
	return fmt.Sprintf("icons/%s/%d-%s.png", jobID, now.UnixNano(), uuid.NewString()[:8])
}
