package objectstore

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	platformstore "github.com/runledger-labs/runledger-go/internal/platform/objectstore"
)

type MinioStore struct {
	client *minio.Client
}

func NewMinioStore(cfg platformstore.Config) (*MinioStore, error) {
	client, err := platformstore.NewMinIOClient(cfg)
	if err != nil {
		return nil, err
	}
	return &MinioStore{client: client}, nil
}

func NewMinioStoreWithClient(client *minio.Client) (*MinioStore, error) {
	if client == nil {
		return nil, fmt.Errorf("minio client is required")
	}
	return &MinioStore{client: client}, nil
}

func (s *MinioStore) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("minio store not initialized")
	}
	opts := minio.PutObjectOptions{ContentType: contentType}
	_, err := s.client.PutObject(ctx, bucket, key, body, size, opts)
	return err
}

func (s *MinioStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error) {
	if s == nil || s.client == nil {
		return nil, ObjectInfo{}, fmt.Errorf("minio store not initialized")
	}
	info, err := s.Stat(ctx, bucket, key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	return obj, info, nil
}

func (s *MinioStore) Stat(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	if s == nil || s.client == nil {
		return ObjectInfo{}, fmt.Errorf("minio store not initialized")
	}
	info, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, err
	}
	return ObjectInfo{
		Key:          info.Key,
		Size:         info.Size,
		ETag:         info.ETag,
		ContentType:  info.ContentType,
		LastModified: info.LastModified,
	}, nil
}

func (s *MinioStore) List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("minio store not initialized")
	}
	objects := make([]ObjectInfo, 0)
	for obj := range s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		objects = append(objects, ObjectInfo{
			Key:          obj.Key,
			Size:         obj.Size,
			ETag:         obj.ETag,
			ContentType:  obj.ContentType,
			LastModified: obj.LastModified,
		})
	}
	return objects, nil
}

func (s *MinioStore) Delete(ctx context.Context, bucket, key string) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("minio store not initialized")
	}
	return s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{})
}
