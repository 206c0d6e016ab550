package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Store implements the ObjectStore interface using an S3-compatible API.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3Options carries the connection settings parsed from an s3:// container id.
type S3Options struct {
	Region          string
	Endpoint        string
	AccessKey       string
	SecretKey       string
	CredentialsFile string
}

// NewS3Store instantiates an ObjectStore backed by an AWS SDK client and the
// provided bucket/prefix pair.
func NewS3Store(client *s3.Client, bucket, prefix string) *S3Store {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3Store{
		client: client,
		bucket: bucket,
		prefix: prefix,
	}
}

// DialS3 loads an AWS configuration for the given options and returns a store
// for bucket/prefix.
func DialS3(ctx context.Context, bucket, prefix string, opts S3Options) (*S3Store, error) {
	awsCfg, err := loadAWSConfig(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3Store(client, bucket, prefix), nil
}

// loadAWSConfig builds an AWS configuration that optionally overrides the
// credentials for S3-compatible vendors.
func loadAWSConfig(ctx context.Context, opts S3Options) (aws.Config, error) {
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}
	loaders := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}
	switch {
	case opts.AccessKey != "" && opts.SecretKey != "":
		loaders = append(loaders, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	case opts.CredentialsFile != "":
		loaders = append(loaders, config.WithSharedCredentialsFiles([]string{opts.CredentialsFile}))
	}
	return config.LoadDefaultConfig(ctx, loaders...)
}

// key normalizes relative paths into fully qualified S3 object keys respecting
// the configured prefix.
func (s *S3Store) key(rel string) string {
	rel = path.Clean("/" + rel)
	rel = strings.TrimPrefix(rel, "/")
	if rel == "." {
		rel = ""
	}
	if s.prefix == "" {
		return rel
	}
	return s.prefix + rel
}

// Head returns metadata for a single object by issuing an S3 HEAD request.
func (s *S3Store) Head(ctx context.Context, rel string) (ObjectMeta, error) {
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(rel)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return ObjectMeta{}, NotFoundError{Key: rel}
		}
		return ObjectMeta{}, fmt.Errorf("head %s: %w", rel, err)
	}
	return ObjectMeta{
		Key:          rel,
		Size:         aws.ToInt64(head.ContentLength),
		ContentType:  aws.ToString(head.ContentType),
		LastModified: aws.ToTime(head.LastModified),
	}, nil
}

// Upload writes the object with a single PutObject call.
func (s *S3Store) Upload(ctx context.Context, rel, contentType string, r io.Reader) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(rel)),
		Body:   r,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("upload %s: %w", rel, err)
	}
	return nil
}

// Download reads the whole S3 object into memory.
func (s *S3Store) Download(ctx context.Context, rel string) (ObjectMeta, []byte, error) {
	obj, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(rel)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return ObjectMeta{}, nil, NotFoundError{Key: rel}
		}
		return ObjectMeta{}, nil, fmt.Errorf("download %s: %w", rel, err)
	}
	defer obj.Body.Close()
	data, err := io.ReadAll(obj.Body)
	if err != nil {
		return ObjectMeta{}, nil, fmt.Errorf("read %s: %w", rel, err)
	}
	return ObjectMeta{
		Key:          rel,
		Size:         int64(len(data)),
		ContentType:  aws.ToString(obj.ContentType),
		LastModified: aws.ToTime(obj.LastModified),
	}, data, nil
}

// Delete issues DeleteObject. Most S3 implementations acknowledge deletes of
// missing keys, so a NotFoundError is only seen from stricter vendors.
func (s *S3Store) Delete(ctx context.Context, rel string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(rel)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return NotFoundError{Key: rel}
		}
		return fmt.Errorf("delete %s: %w", rel, err)
	}
	return nil
}

// List enumerates all keys below prefix using the ListObjectsV2 paginator.
func (s *S3Store) List(ctx context.Context, rel string) ([]ObjectMeta, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
	}
	if full := s.prefix + strings.TrimPrefix(rel, "/"); full != "" {
		input.Prefix = aws.String(full)
	}
	var out []ObjectMeta
	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", rel, err)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), s.prefix)
			if name == "" || strings.HasSuffix(name, "/") {
				continue
			}
			out = append(out, ObjectMeta{
				Key:          name,
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	return out, nil
}

func isS3NotFound(err error) bool {
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var noSuchKey *types.NoSuchKey
	return errors.As(err, &noSuchKey)
}
