package address

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/keithlinneman/paf-admin/internal/log"
	"github.com/keithlinneman/paf-admin/internal/pathutil"
	"github.com/keithlinneman/paf-admin/internal/xerrors"
)

// DefaultMaxObjectSize caps a batch object. 100 lines of 500 characters
// fits with plenty of room.
const DefaultMaxObjectSize int64 = 256 << 10

// ErrInvalidKey is returned for empty keys or keys with dot segments.
var ErrInvalidKey = errors.New("invalid object key")

// ErrObjectTooLarge is returned when an object exceeds MaxSize.
var ErrObjectTooLarge = errors.New("object too large")

// ObjectGetter is the subset of *s3.Client the source needs.
type ObjectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type S3SourceOptions struct {
	Logger log.Logger
	Client ObjectGetter

	// batches are read from s3://{Bucket}/{Prefix}/{key}
	Bucket string
	Prefix string

	// MaxSize caps the object body, DefaultMaxObjectSize if 0
	MaxSize int64
}

// S3Source reads uploaded address batches from S3.
type S3Source struct {
	opts   S3SourceOptions
	logger log.Logger
}

// NewS3Source validates opts and returns a source.
func NewS3Source(opts S3SourceOptions) (*S3Source, error) {
	if opts.Client == nil {
		return nil, xerrors.New("S3 client is required")
	}
	if opts.Bucket == "" {
		return nil, xerrors.New("S3 bucket is required")
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxObjectSize
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	opts.Prefix = strings.Trim(opts.Prefix, "/")
	return &S3Source{opts: opts, logger: opts.Logger}, nil
}

// objectKey joins the prefix and a caller supplied key, rejecting traversal
func (s *S3Source) objectKey(key string) (string, error) {
	key, ok := pathutil.SafeObjectKey(key)
	if !ok {
		return "", xerrors.Wrapf(ErrInvalidKey, "%q", key)
	}
	if s.opts.Prefix == "" {
		return key, nil
	}
	return s.opts.Prefix + "/" + key, nil
}

// Fetch returns the batch text stored under key.
func (s *S3Source) Fetch(ctx context.Context, key string) (string, error) {
	full, err := s.objectKey(key)
	if err != nil {
		return "", err
	}

	out, err := s.opts.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(full),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get s3://%s/%s", s.opts.Bucket, full)
	}
	defer out.Body.Close()

	lr := io.LimitReader(out.Body, s.opts.MaxSize+1)
	data, err := io.ReadAll(lr)
	if err != nil {
		return "", xerrors.Wrapf(err, "read s3://%s/%s", s.opts.Bucket, full)
	}
	if int64(len(data)) > s.opts.MaxSize {
		return "", xerrors.Wrapf(ErrObjectTooLarge, "s3://%s/%s (max %d bytes)", s.opts.Bucket, full, s.opts.MaxSize)
	}

	s.logger.Debug(ctx, "fetched address batch", "bucket", s.opts.Bucket, "key", full, "bytes", len(data))
	return string(data), nil
}

// CheckObject fetches key and checks every address in it.
func (s *S3Source) CheckObject(ctx context.Context, key string) ([]Result, error) {
	text, err := s.Fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	return CheckBatch(text)
}
