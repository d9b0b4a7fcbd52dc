// Package storage 提供了与对象存储服务（MinIO）交互的功能。每个租户 schema 对应一个存储桶。
package storage

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"backstage-go/internal/config"
	"backstage-go/pkg/log"
)

// ObjectStore 是文件服务和处理流水线使用的对象存储接口，bucket 由 schema 决定。
type ObjectStore interface {
	Upload(ctx context.Context, schema, objectName, localPath, contentType string) (string, error)
	Download(ctx context.Context, schema, objectName, localPath string) error
	Remove(ctx context.Context, schema, objectName string) error
	PresignedURL(ctx context.Context, schema, objectName string, expiry time.Duration) (string, error)
}

// BucketFor 把 schema 映射为合法的存储桶名：下划线替换为连字符，可选前缀。
func BucketFor(prefix, schema string) string {
	name := strings.ReplaceAll(strings.ToLower(schema), "_", "-")
	if prefix != "" {
		name = strings.TrimSuffix(prefix, "-") + "-" + name
	}
	return name
}

// MinIOStore 是 ObjectStore 的 MinIO 实现。
type MinIOStore struct {
	client  *minio.Client
	prefix  string
	ensured sync.Map
}

// NewMinIO 初始化 MinIO 客户端。存储桶在第一次写入时按需创建。
func NewMinIO(cfg config.MinIOConfig) (*MinIOStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 MinIO 客户端失败: %w", err)
	}
	log.Info("MinIO 客户端初始化成功")
	return &MinIOStore{client: client, prefix: cfg.BucketPrefix}, nil
}

// ensureBucket 检查存储桶是否存在，不存在则创建。
func (s *MinIOStore) ensureBucket(ctx context.Context, bucket string) error {
	if _, ok := s.ensured.Load(bucket); ok {
		return nil
	}
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("检查 MinIO 存储桶失败: %w", err)
	}
	if !exists {
		log.Infof("存储桶 '%s' 不存在，正在创建...", bucket)
		if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			// 并发创建时对方可能已经建好
			if exists, _ := s.client.BucketExists(ctx, bucket); !exists {
				return fmt.Errorf("创建 MinIO 存储桶失败: %w", err)
			}
		}
	}
	s.ensured.Store(bucket, struct{}{})
	return nil
}

// Upload 上传本地文件并返回对象的访问地址。
func (s *MinIOStore) Upload(ctx context.Context, schema, objectName, localPath, contentType string) (string, error) {
	bucket := BucketFor(s.prefix, schema)
	if err := s.ensureBucket(ctx, bucket); err != nil {
		return "", err
	}
	info, err := s.client.FPutObject(ctx, bucket, objectName, localPath, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("上传对象到 MinIO 失败: %w", err)
	}
	log.Infof("[Storage] 上传成功, bucket: %s, object: %s, size: %d", bucket, objectName, info.Size)
	return s.objectURL(bucket, objectName), nil
}

// Download 把对象下载到本地路径。
func (s *MinIOStore) Download(ctx context.Context, schema, objectName, localPath string) error {
	bucket := BucketFor(s.prefix, schema)
	if err := s.client.FGetObject(ctx, bucket, objectName, localPath, minio.GetObjectOptions{}); err != nil {
		return fmt.Errorf("从 MinIO 下载文件失败: %w", err)
	}
	return nil
}

func (s *MinIOStore) Remove(ctx context.Context, schema, objectName string) error {
	bucket := BucketFor(s.prefix, schema)
	if err := s.client.RemoveObject(ctx, bucket, objectName, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("删除 MinIO 对象失败: %w", err)
	}
	return nil
}

// PresignedURL generates a presigned GET URL for an object.
func (s *MinIOStore) PresignedURL(ctx context.Context, schema, objectName string, expiry time.Duration) (string, error) {
	bucket := BucketFor(s.prefix, schema)
	u, err := s.client.PresignedGetObject(ctx, bucket, objectName, expiry, url.Values{})
	if err != nil {
		log.Errorf("Error generating presigned URL: %s", err)
		return "", err
	}
	return u.String(), nil
}

func (s *MinIOStore) objectURL(bucket, objectName string) string {
	u := *s.client.EndpointURL()
	u.Path = path.Join("/", bucket, objectName)
	return u.String()
}
