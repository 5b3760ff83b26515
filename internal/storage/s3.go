package storage

import (
	"context"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config selects the bucket artifacts are mirrored to. Region and profile
// fall back to the standard AWS config chain when empty.
type S3Config struct {
	Bucket       string
	Prefix       string
	Region       string
	Profile      string
	UsePathStyle bool
	// BaseEndpoint points the client at an S3-compatible service.
	BaseEndpoint string
}

// putObjectAPI is the single S3 call the mirror needs.
type putObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Mirror copies artifacts to a bucket.
type S3Mirror struct {
	client putObjectAPI
	bucket string
	prefix string
}

func NewS3Mirror(ctx context.Context, cfg S3Config) (*S3Mirror, error) {
	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.Profile))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}

	c := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if cfg.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.BaseEndpoint)
		}
	})
	return &S3Mirror{client: c, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Put uploads one artifact under prefix/key.
func (m *S3Mirror) Put(ctx context.Context, key string, body io.Reader, contentType string) error {
	in := &s3.PutObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(path.Join(m.prefix, key)),
		Body:   body,
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	_, err := m.client.PutObject(ctx, in)
	return err
}
