// internal/store/obs.go
package store

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/huaweicloud/huaweicloud-sdk-go-obs/obs"
)

// ObsBackend 将记录保存为华为云 OBS 桶中的一个对象
type ObsBackend struct {
	client *obs.ObsClient
	bucket string
	key    string
}

// NewObsBackend 使用给定的凭证创建 OBS 客户端
func NewObsBackend(endpoint, ak, sk, bucket, key string) (*ObsBackend, error) {
	client, err := obs.New(ak, sk, endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "create OBS client")
	}
	return &ObsBackend{client: client, bucket: bucket, key: key}, nil
}

func (b *ObsBackend) Read(_ context.Context) ([]byte, error) {
	input := &obs.GetObjectInput{}
	input.Bucket = b.bucket
	input.Key = b.key

	output, err := b.client.GetObject(input)
	if err != nil {
		return nil, obsError(err, "get object")
	}
	defer output.Body.Close()

	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "read object %s", b.key)
	}
	return data, nil
}

func (b *ObsBackend) Write(_ context.Context, data []byte) error {
	input := &obs.PutObjectInput{}
	input.Bucket = b.bucket
	input.Key = b.key
	input.ContentType = "application/json"
	input.Body = bytes.NewReader(data)

	if _, err := b.client.PutObject(input); err != nil {
		return obsError(err, "put object")
	}
	return nil
}

// Close 释放 OBS 客户端
func (b *ObsBackend) Close() {
	if b.client != nil {
		b.client.Close()
	}
}

func obsError(err error, op string) error {
	var oe obs.ObsError
	if errors.As(err, &oe) {
		if oe.StatusCode == http.StatusNotFound {
			return ErrNotFound
		}
		return errors.Newf("%s failed, OBS code: %s, message: %s", op, oe.Code, oe.Message)
	}
	return errors.Wrapf(err, "%s", op)
}
