package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Store keeps metadata documents in an S3 or S3-compatible bucket. Writes
// are conditional so a document is uploaded at most once.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

type S3StoreConfig struct {
	Bucket   string
	Region   string
	Endpoint string // MinIO, LocalStack
	Prefix   string
}

// NewS3Store uses the default AWS credential chain.
func NewS3Store(ctx context.Context, cfg S3StoreConfig) (*S3Store, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *S3Store) objectKey(hash string) (*string, error) {
	raw, err := rawHash(hash)
	if err != nil {
		return nil, err
	}
	return aws.String(s.prefix + objectName(raw)), nil
}

func (s *S3Store) Store(ctx context.Context, data []byte) (string, error) {
	hash := ContentHash(data)
	key, _ := s.objectKey(hash)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:            aws.String(s.bucket),
		Key:               key,
		Body:              bytes.NewReader(data),
		ContentType:       aws.String("application/json"),
		CacheControl:      aws.String(immutableCacheControl),
		ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
		IfNoneMatch:       aws.String("*"),
		Metadata:          map[string]string{"content-hash": hash},
	})
	switch {
	case err == nil:
		return hash, nil
	case httpStatus(err) == http.StatusPreconditionFailed, httpStatus(err) == http.StatusConflict:
		// Already stored, possibly by a concurrent upload of the same document.
		return hash, nil
	default:
		return "", fmt.Errorf("s3 put %s: %w", *key, err)
	}
}

func (s *S3Store) Get(ctx context.Context, hash string) ([]byte, error) {
	key, err := s.objectKey(hash)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: key})
	if err != nil {
		if s3Missing(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		return nil, fmt.Errorf("s3 get %s: %w", *key, err)
	}
	defer func() { _ = out.Body.Close() }()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 read %s: %w", *key, err)
	}
	return checkContent(hash, data)
}

func (s *S3Store) Exists(ctx context.Context, hash string) (bool, error) {
	key, err := s.objectKey(hash)
	if err != nil {
		return false, err
	}
	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: key})
	switch {
	case err == nil:
		return true, nil
	case s3Missing(err):
		return false, nil
	default:
		return false, fmt.Errorf("s3 head %s: %w", *key, err)
	}
}

func (s *S3Store) Delete(ctx context.Context, hash string) error {
	key, err := s.objectKey(hash)
	if err != nil {
		return err
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: key}); err != nil {
		return fmt.Errorf("s3 delete %s: %w", *key, err)
	}
	return nil
}

func (s *S3Store) URI(hash string) string {
	return fmt.Sprintf("s3://%s/%s%s", s.bucket, s.prefix, objectName(hash[len(hashPrefix):]))
}

func s3Missing(err error) bool {
	var nf *types.NotFound
	var nk *types.NoSuchKey
	return errors.As(err, &nf) || errors.As(err, &nk) || httpStatus(err) == http.StatusNotFound
}

func httpStatus(err error) int {
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode()
	}
	return 0
}
