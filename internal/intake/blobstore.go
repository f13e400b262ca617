package intake

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectInfo is the metadata needed before streaming: the declared size
// feeds the max-bytes check alongside the observed byte count.
type ObjectInfo struct {
	Size        int64
	ContentType string
}

// ObjectStore resolves the absolute storage URIs carried by notification
// events into object metadata and byte streams.
type ObjectStore interface {
	Stat(ctx context.Context, storageURI string) (ObjectInfo, error)
	Open(ctx context.Context, storageURI string) (io.ReadCloser, error)
}

// MinioStore is the S3-compatible ObjectStore used in production.
type MinioStore struct {
	client *minio.Client
}

func NewMinioStore(endpoint, accessKey, secretKey string, useSSL bool) (*MinioStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("object store client init: %w", err)
	}
	return &MinioStore{client: client}, nil
}

func (s *MinioStore) Stat(ctx context.Context, storageURI string) (ObjectInfo, error) {
	bucket, object, err := SplitObjectURL(storageURI)
	if err != nil {
		return ObjectInfo{}, err
	}
	info, err := s.client.StatObject(ctx, bucket, object, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, err
	}
	return ObjectInfo{Size: info.Size, ContentType: info.ContentType}, nil
}

func (s *MinioStore) Open(ctx context.Context, storageURI string) (io.ReadCloser, error) {
	bucket, object, err := SplitObjectURL(storageURI)
	if err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, bucket, object, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// SplitObjectURL breaks an absolute storage URL into container and object
// path: the first path segment is the container, the rest is the key.
func SplitObjectURL(raw string) (bucket, object string, err error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("parse storage uri: %w", err)
	}
	trimmed := strings.TrimPrefix(parsed.Path, "/")
	idx := strings.Index(trimmed, "/")
	if trimmed == "" || idx <= 0 || idx == len(trimmed)-1 {
		return "", "", fmt.Errorf("%w: storage uri %q has no container/object path", ErrInvalidInput, raw)
	}
	return trimmed[:idx], trimmed[idx+1:], nil
}
