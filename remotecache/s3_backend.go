// S3Backend is an alternate remote cache tier backed by an existing
// S3-compatible bucket (AWS S3, MinIO, Hetzner Cloud Storage) instead of
// a dedicated cache server. It is built with NewS3Backend; the CLI's
// BUILDER_REMOTE_CACHE / --remote-cache setting only builds an
// HTTPBackend. It provides regional config, static credentials, custom endpoint
// resolution for non-AWS S3-compatible endpoints, and manager-based
// multipart upload/download for single-artifact content-addressed
// get/put.
//
//nolint:staticcheck // endpoint resolver option deprecated upstream; no
// replacement exists yet for pointing at non-AWS S3-compatible endpoints.
package remotecache

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/forgebuild/forge/action"
)

// S3Config configures an S3Backend. Endpoint is optional; when set the
// client targets a non-AWS S3-compatible endpoint (MinIO, Hetzner) with
// path-style addressing.
type S3Config struct {
	Endpoint     string
	Region       string
	Bucket       string
	Prefix       string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// S3Backend implements Backend against an S3-compatible bucket.
type S3Backend struct {
	client     *s3.Client
	uploader   *manager.Uploader
	downloader *manager.Downloader
	bucket     string
	prefix     string
}

// NewS3Backend builds an S3Backend from cfg.
func NewS3Backend(ctx context.Context, cfg S3Config) (*S3Backend, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		opts = append(opts, config.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{URL: endpoint, SigningRegion: region, HostnameImmutable: true}, nil
			})))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("remotecache: loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Backend{
		client:     client,
		uploader:   manager.NewUploader(client),
		downloader: manager.NewDownloader(client),
		bucket:     cfg.Bucket,
		prefix:     cfg.Prefix,
	}, nil
}

func (b *S3Backend) key(id action.ArtifactId) string {
	if b.prefix == "" {
		return id.String()
	}
	return b.prefix + "/" + id.String()
}

// Get downloads id's object, reporting a clean miss for a not-found key.
func (b *S3Backend) Get(ctx context.Context, id action.ArtifactId) ([]byte, bool, error) {
	buf := manager.NewWriteAtBuffer(nil)
	_, err := b.downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(id)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("remotecache: s3 get %s: %w", id, err)
	}
	return buf.Bytes(), true, nil
}

// Put uploads id's object via the multipart-capable manager.Uploader, so
// large artifacts stream rather than buffering an extra full copy.
func (b *S3Backend) Put(ctx context.Context, id action.ArtifactId, data []byte) error {
	_, err := b.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(id)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("remotecache: s3 put %s: %w", id, err)
	}
	return nil
}

// GetBatch has no native S3 batch-get API, so it downloads each id in
// turn; HeadObject-based existence checks are skipped in favor of
// treating NoSuchKey as an ordinary per-item miss.
func (b *S3Backend) GetBatch(ctx context.Context, ids []action.ArtifactId) (map[action.ArtifactId][]byte, error) {
	out := make(map[action.ArtifactId][]byte, len(ids))
	for _, id := range ids {
		data, ok, err := b.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out[id] = data
		}
	}
	return out, nil
}
