// Package relay ships finished artifacts to object storage.
package relay

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/partdl/internal/merger"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/s3blob"
)

// Relay uploads a finished artifact under name and returns where it landed.
type Relay interface {
	Ship(ctx context.Context, art merger.Artifact, name string) (string, error)
	Close() error
}

// New picks a relay for target. s3:// targets use the multipart upload
// manager; any other gocloud bucket URL goes through blob.
func New(ctx context.Context, target, profile string) (Relay, error) {
	if strings.HasPrefix(target, "s3://") {
		bucket, prefix, _ := strings.Cut(strings.TrimPrefix(target, "s3://"), "/")
		if bucket == "" {
			return nil, fmt.Errorf("invalid relay target %q", target)
		}
		client, err := newS3Client(ctx, profile)
		if err != nil {
			return nil, err
		}
		return NewS3Relay(manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = 16 * 1024 * 1024
			u.Concurrency = 4
		}), bucket, prefix), nil
	}
	bkt, err := blob.OpenBucket(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("error opening relay bucket: %w", err)
	}
	return &BlobRelay{bucket: bkt, owned: true}, nil
}

// Uploader is satisfied by *manager.Uploader.
type Uploader interface {
	Upload(ctx context.Context, in *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

type S3Relay struct {
	uploader Uploader
	bucket   string
	prefix   string
}

func NewS3Relay(uploader Uploader, bucket, prefix string) *S3Relay {
	return &S3Relay{uploader: uploader, bucket: bucket, prefix: prefix}
}

func (r *S3Relay) Ship(ctx context.Context, art merger.Artifact, name string) (string, error) {
	f, err := art.Open()
	if err != nil {
		return "", fmt.Errorf("error opening artifact: %w", err)
	}
	defer f.Close()
	key := path.Join(r.prefix, name)
	if _, err := r.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(r.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(art.Size),
	}); err != nil {
		return "", fmt.Errorf("error uploading to s3://%s/%s: %w", r.bucket, key, err)
	}
	dest := fmt.Sprintf("s3://%s/%s", r.bucket, key)
	log.Info().Str("op", "relay").Msgf("relayed %s to %s", art.Path, dest)
	return dest, nil
}

func (r *S3Relay) Close() error { return nil }

type BlobRelay struct {
	bucket *blob.Bucket
	owned  bool
}

// NewBlobRelay wraps a bucket the caller keeps ownership of.
func NewBlobRelay(bkt *blob.Bucket) *BlobRelay {
	return &BlobRelay{bucket: bkt}
}

func (r *BlobRelay) Ship(ctx context.Context, art merger.Artifact, name string) (string, error) {
	f, err := art.Open()
	if err != nil {
		return "", fmt.Errorf("error opening artifact: %w", err)
	}
	defer f.Close()
	w, err := r.bucket.NewWriter(ctx, name, nil)
	if err != nil {
		return "", fmt.Errorf("error opening relay writer: %w", err)
	}
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return "", fmt.Errorf("error relaying %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("error committing %s: %w", name, err)
	}
	log.Info().Str("op", "relay").Msgf("relayed %s to bucket key %s", art.Path, name)
	return name, nil
}

func (r *BlobRelay) Close() error {
	if r.owned {
		return r.bucket.Close()
	}
	return nil
}
