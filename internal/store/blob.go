package store

import (
	"context"

	"github.com/cockroachdb/errors"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"
)

// BlobBackend 将记录保存为 gocloud 桶中的一个对象（file://、mem:// 或 s3://）
type BlobBackend struct {
	bucket *blob.Bucket
	key    string
	owned  bool
}

func NewBlobBackend(bucket *blob.Bucket, key string) *BlobBackend {
	return &BlobBackend{bucket: bucket, key: key}
}

// OpenBlobBackend 打开 bucketURL 指向的桶，Close 时释放
func OpenBlobBackend(ctx context.Context, bucketURL, key string) (*BlobBackend, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, errors.Wrapf(err, "open bucket %s", bucketURL)
	}
	return &BlobBackend{bucket: bucket, key: key, owned: true}, nil
}

func (b *BlobBackend) Read(ctx context.Context) ([]byte, error) {
	data, err := b.bucket.ReadAll(ctx, b.key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "read object %s", b.key)
	}
	return data, nil
}

func (b *BlobBackend) Write(ctx context.Context, data []byte) error {
	opts := &blob.WriterOptions{ContentType: "application/json"}
	if err := b.bucket.WriteAll(ctx, b.key, data, opts); err != nil {
		return errors.Wrapf(err, "write object %s", b.key)
	}
	return nil
}

func (b *BlobBackend) Close() error {
	if !b.owned {
		return nil
	}
	return b.bucket.Close()
}
