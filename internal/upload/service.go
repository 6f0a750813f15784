// Package upload stores client media (3D models, icons, audio) in an
// S3-compatible object store and hands back stable public URLs.
package upload

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/Abhishekkange/DefenseSteps-Foreexcel/internal/util"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config holds object store connection settings
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	PublicURL string
}

// Service uploads media objects
type Service struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

// NewService connects to the object store and makes sure the bucket exists
func NewService(ctx context.Context, config Config) (*Service, error) {
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to object store: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, config.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, config.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}

	publicURL := strings.TrimRight(config.PublicURL, "/")
	if publicURL == "" {
		scheme := "http"
		if config.UseSSL {
			scheme = "https"
		}
		publicURL = fmt.Sprintf("%s://%s/%s", scheme, config.Endpoint, config.Bucket)
	}

	return &Service{
		client:    client,
		bucket:    config.Bucket,
		publicURL: publicURL,
	}, nil
}

// Upload stores one object and returns its public URL. The object name keeps
// the original extension so clients can infer the media type from the URL.
func (s *Service) Upload(ctx context.Context, filename, contentType string, reader io.Reader, size int64) (string, error) {
	objectName := util.NewID("obj") + strings.ToLower(path.Ext(filename))

	_, err := s.client.PutObject(ctx, s.bucket, objectName, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}

	return s.publicURL + "/" + objectName, nil
}

// Remove deletes one object by the name embedded in its public URL.
func (s *Service) Remove(ctx context.Context, objectURL string) error {
	objectName := path.Base(objectURL)
	if objectName == "" || objectName == "." || objectName == "/" {
		return fmt.Errorf("invalid object url %q", objectURL)
	}
	if err := s.client.RemoveObject(ctx, s.bucket, objectName, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object: %w", err)
	}
	return nil
}
