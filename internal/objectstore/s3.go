package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/g-k/telemetry-analysis-service/internal/awsconf"
)

// DefaultMaxObjectSize caps Get. Notebooks are small; anything larger is
// refused instead of being buffered.
const DefaultMaxObjectSize = 64 << 20

// s3API is the subset of *s3.Client used here.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3 implements Store on AWS S3 and S3-compatible endpoints.
type S3 struct {
	client  s3API
	maxSize int64
}

var _ Store = (*S3)(nil)

// NewS3 loads the SDK configuration and builds the client.
func NewS3(ctx context.Context, cfg awsconf.Config) (*S3, error) {
	awsCfg, err := awsconf.Load(ctx, cfg)
	if err != nil {
		return nil, &Error{Op: "New", Err: err}
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &S3{client: client, maxSize: DefaultMaxObjectSize}, nil
}

func newS3WithClient(client s3API) *S3 {
	return &S3{client: client, maxSize: DefaultMaxObjectSize}
}

func (p *S3) Put(ctx context.Context, bucket, key string, body []byte, contentType string) error {
	in := &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := p.client.PutObject(ctx, in); err != nil {
		return wrapError("Put", bucket, key, err)
	}
	return nil
}

func (p *S3) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return nil, wrapError("Get", bucket, key, err)
	}
	defer out.Body.Close()

	if n := aws.ToInt64(out.ContentLength); n > p.maxSize {
		return nil, &Error{Op: "Get", Bucket: bucket, Key: key, Err: fmt.Errorf("object size %d exceeds limit %d", n, p.maxSize)}
	}
	b, err := io.ReadAll(io.LimitReader(out.Body, p.maxSize+1))
	if err != nil {
		return nil, wrapError("Get", bucket, key, err)
	}
	if int64(len(b)) > p.maxSize {
		return nil, &Error{Op: "Get", Bucket: bucket, Key: key, Err: fmt.Errorf("object exceeds limit %d", p.maxSize)}
	}
	return b, nil
}

func (p *S3) Head(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	out, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		werr := wrapError("Head", bucket, key, err)
		if errors.Is(werr, ErrNotFound) {
			return ObjectInfo{}, nil
		}
		return ObjectInfo{}, werr
	}
	return ObjectInfo{
		Exists:      true,
		Size:        aws.ToInt64(out.ContentLength),
		ContentType: aws.ToString(out.ContentType),
	}, nil
}

// wrapError classifies S3 failures into the package sentinels.
func wrapError(op, bucket, key string, err error) error {
	wrapped := &Error{Op: op, Bucket: bucket, Key: key, Err: err}

	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	var noSuchBucket *types.NoSuchBucket
	switch {
	case errors.As(err, &notFound), errors.As(err, &noSuchKey):
		wrapped.Err = ErrNotFound
		return wrapped
	case errors.As(err, &noSuchBucket):
		wrapped.Err = ErrBucketNotFound
		return wrapped
	case errors.Is(err, context.DeadlineExceeded):
		wrapped.Err = fmt.Errorf("%w: %v", ErrUnavailable, err)
		return wrapped
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			wrapped.Err = ErrNotFound
		case "NoSuchBucket":
			wrapped.Err = ErrBucketNotFound
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			wrapped.Err = ErrAccessDenied
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			wrapped.Err = ErrThrottled
		case "ServiceUnavailable", "InternalError":
			wrapped.Err = ErrUnavailable
		}
		return wrapped
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "NoSuchKey") || strings.Contains(msg, "StatusCode: 404"):
		wrapped.Err = ErrNotFound
	case strings.Contains(msg, "AccessDenied") || strings.Contains(msg, "StatusCode: 403"):
		wrapped.Err = ErrAccessDenied
	case strings.Contains(msg, "SlowDown") || strings.Contains(msg, "StatusCode: 429"):
		wrapped.Err = ErrThrottled
	case strings.Contains(msg, "StatusCode: 503"):
		wrapped.Err = ErrUnavailable
	}
	return wrapped
}
