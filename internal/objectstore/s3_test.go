package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockAPIError implements smithy.APIError for testing error code mapping.
type mockAPIError struct {
	code    string
	message string
}

func (e *mockAPIError) Error() string                 { return fmt.Sprintf("%s: %s", e.code, e.message) }
func (e *mockAPIError) ErrorCode() string             { return e.code }
func (e *mockAPIError) ErrorMessage() string          { return e.message }
func (e *mockAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultUnknown }

var _ smithy.APIError = (*mockAPIError)(nil)

type fakeS3 struct {
	objects map[string][]byte
	types   map[string]string
	err     error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	k := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	f.objects[k] = b
	f.types[k] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	b, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b)), ContentLength: aws.Int64(int64(len(b)))}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	k := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	b, ok := f.objects[k]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(b))), ContentType: aws.String(f.types[k])}, nil
}

func TestS3PutGetHead(t *testing.T) {
	ctx := context.Background()
	store := newS3WithClient(newFakeS3())

	require.NoError(t, store.Put(ctx, "out", "a/b.ipynb", []byte(`{"cells":[]}`), "application/x-ipynb+json"))

	b, err := store.Get(ctx, "out", "a/b.ipynb")
	require.NoError(t, err)
	assert.Equal(t, `{"cells":[]}`, string(b))

	info, err := store.Head(ctx, "out", "a/b.ipynb")
	require.NoError(t, err)
	assert.Equal(t, ObjectInfo{Exists: true, Size: 12, ContentType: "application/x-ipynb+json"}, info)

	info, err = store.Head(ctx, "out", "missing")
	require.NoError(t, err)
	assert.False(t, info.Exists)

	_, err = store.Get(ctx, "out", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestS3GetRespectsLimit(t *testing.T) {
	f := newFakeS3()
	f.objects["out/big"] = bytes.Repeat([]byte("x"), 32)
	store := newS3WithClient(f)
	store.maxSize = 16

	_, err := store.Get(context.Background(), "out", "big")
	assert.ErrorContains(t, err, "exceeds limit")
}

func TestWrapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"typed no such key", &types.NoSuchKey{}, ErrNotFound},
		{"typed no such bucket", &types.NoSuchBucket{}, ErrBucketNotFound},
		{"api not found", &mockAPIError{code: "NotFound"}, ErrNotFound},
		{"api access denied", &mockAPIError{code: "AccessDenied"}, ErrAccessDenied},
		{"api bad key", &mockAPIError{code: "InvalidAccessKeyId"}, ErrAccessDenied},
		{"api slow down", &mockAPIError{code: "SlowDown"}, ErrThrottled},
		{"api unavailable", &mockAPIError{code: "ServiceUnavailable"}, ErrUnavailable},
		{"deadline", fmt.Errorf("op: %w", context.DeadlineExceeded), ErrUnavailable},
		{"message 503", errors.New("https response error StatusCode: 503"), ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := wrapError("Get", "b", "k", tt.err)
			assert.ErrorIs(t, err, tt.want)

			var oe *Error
			require.True(t, errors.As(err, &oe))
			assert.Equal(t, "Get", oe.Op)
		})
	}
}

func TestS3ErrorsAreWrapped(t *testing.T) {
	f := newFakeS3()
	f.err = &mockAPIError{code: "SlowDown"}
	store := newS3WithClient(f)

	err := store.Put(context.Background(), "b", "k", nil, "")
	assert.ErrorIs(t, err, ErrThrottled)
	assert.True(t, Transient(err))

	_, err = store.Head(context.Background(), "b", "k")
	assert.ErrorIs(t, err, ErrThrottled)
}

func TestMemory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Put(ctx, "b", "k", []byte("hi"), "text/plain"))

	info, err := m.Head(ctx, "b", "k")
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.Size)

	m.Delete("b", "k")
	_, err = m.Get(ctx, "b", "k")
	assert.ErrorIs(t, err, ErrNotFound)
}
