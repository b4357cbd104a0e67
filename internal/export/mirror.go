package export

import (
	"context"
	"fmt"
	"path"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
)

// BlobMirror 把报告复制到 gocloud 支持的存储桶（file://、mem://、s3://）。
type BlobMirror struct {
	bucket *blob.Bucket
	prefix string
}

// OpenBlobMirror 打开存储桶并校验可访问性；prefix 作为对象键前缀。
func OpenBlobMirror(ctx context.Context, bucketURL, prefix string) (*BlobMirror, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("打开镜像存储桶 %s 失败: %w", bucketURL, err)
	}
	ok, err := bucket.IsAccessible(ctx)
	if err != nil {
		_ = bucket.Close()
		return nil, fmt.Errorf("检查存储桶 %s 可访问性失败: %w", bucketURL, err)
	}
	if !ok {
		_ = bucket.Close()
		return nil, fmt.Errorf("存储桶 %s 不可访问", bucketURL)
	}
	return &BlobMirror{bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

// Upload 实现 Mirror 接口。
func (m *BlobMirror) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	if m.prefix != "" {
		key = path.Join(m.prefix, key)
	}
	return m.bucket.WriteAll(ctx, key, data, &blob.WriterOptions{ContentType: contentType})
}

// ReadAll 读取镜像中的对象。
func (m *BlobMirror) ReadAll(ctx context.Context, key string) ([]byte, error) {
	if m.prefix != "" {
		key = path.Join(m.prefix, key)
	}
	return m.bucket.ReadAll(ctx, key)
}

// Close 释放存储桶。
func (m *BlobMirror) Close() error {
	return m.bucket.Close()
}
