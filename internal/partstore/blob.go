package partstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/partdl/internal/segments"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"
)

// BlobStore keeps parts as objects under <namespace>/partN in any
// gocloud bucket (file://, mem://, s3://).
type BlobStore struct {
	bucket *blob.Bucket
	url    string
	prefix string
	owned  bool
	claims claims
}

// OpenBlobStore opens bucketURL and keeps parts under namespace.
func OpenBlobStore(ctx context.Context, bucketURL, namespace string) (*BlobStore, error) {
	bkt, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("error opening bucket %s: %w", bucketURL, err)
	}
	store := NewBlobStore(bkt, namespace)
	store.url = bucketURL
	store.owned = true
	return store, nil
}

// NewBlobStore wraps an already-open bucket. The caller keeps ownership.
func NewBlobStore(bkt *blob.Bucket, namespace string) *BlobStore {
	return &BlobStore{bucket: bkt, url: "bucket", prefix: path.Join(namespace, "part")}
}

func (b *BlobStore) String() string {
	return b.url + "/" + b.prefix + "*"
}

func (b *BlobStore) key(index int) string {
	return fmt.Sprintf("%s%d", b.prefix, index)
}

// OpenForWrite starts a new object; blob writes cannot append, so offset is
// always zero. The object only appears once the writer is closed.
func (b *BlobStore) OpenForWrite(ctx context.Context, seg *segments.Segment, resume bool) (PartWriter, error) {
	if err := b.claims.acquire(seg.Index); err != nil {
		return nil, err
	}
	w, err := b.bucket.NewWriter(ctx, b.key(seg.Index), &blob.WriterOptions{ContentType: "application/octet-stream"})
	if err != nil {
		b.claims.release(seg.Index)
		return nil, fmt.Errorf("error opening part object: %w", err)
	}
	return &blobWriter{w: w, release: func() { b.claims.release(seg.Index) }}, nil
}

func (b *BlobStore) Finalize(ctx context.Context, seg *segments.Segment) error {
	return checkFinal(ctx, b, seg)
}

func (b *BlobStore) SizeOf(ctx context.Context, index int) (int64, error) {
	attrs, err := b.bucket.Attributes(ctx, b.key(index))
	if isNotExist(err) {
		return 0, ErrPartNotFound
	}
	if err != nil {
		return 0, err
	}
	return attrs.Size, nil
}

func (b *BlobStore) Exists(ctx context.Context, index int) (bool, error) {
	return b.bucket.Exists(ctx, b.key(index))
}

func (b *BlobStore) OpenForRead(ctx context.Context, index int) (io.ReadCloser, error) {
	r, err := b.bucket.NewReader(ctx, b.key(index), nil)
	if isNotExist(err) {
		return nil, fmt.Errorf("part %d: %w", index, ErrPartNotFound)
	}
	return r, err
}

func (b *BlobStore) Remove(ctx context.Context, index int) error {
	if err := b.bucket.Delete(ctx, b.key(index)); err != nil && !isNotExist(err) {
		return err
	}
	return nil
}

func (b *BlobStore) Cleanup(ctx context.Context) error {
	iter := b.bucket.List(&blob.ListOptions{Prefix: b.prefix})
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := b.bucket.Delete(ctx, obj.Key); err != nil && !isNotExist(err) {
			return err
		}
		log.Debug().Str("op", "partstore/blob").Msgf("deleted %s", obj.Key)
	}
}

func (b *BlobStore) Close() error {
	if !b.owned {
		return nil
	}
	return b.bucket.Close()
}

func isNotExist(err error) bool {
	return err != nil && gcerrors.Code(err) == gcerrors.NotFound
}

type blobWriter struct {
	w       *blob.Writer
	release func()
}

func (w *blobWriter) Write(p []byte) (int, error) { return w.w.Write(p) }

func (w *blobWriter) Offset() int64 { return 0 }

func (w *blobWriter) Close() error {
	defer w.release()
	return w.w.Close()
}
