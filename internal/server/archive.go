package server

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"chartsight/internal/config"
)

// ChartArchive stores the raw uploaded chart image alongside the
// analysis row. Archival is best-effort and optional; a nil archive
// disables it entirely.
type ChartArchive interface {
	Upload(ctx context.Context, userID string, contentType string, image []byte) (string, error)
}

type minioArchive struct {
	client *minio.Client
	bucket string
}

// NewChartArchive returns nil when no object-store endpoint is
// configured.
func NewChartArchive(cfg config.Config) (ChartArchive, error) {
	if cfg.MinioEndpoint == "" {
		return nil, nil
	}
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("object store init failed: %w", err)
	}
	return &minioArchive{client: client, bucket: cfg.MinioBucket}, nil
}

func (m *minioArchive) Upload(ctx context.Context, userID string, contentType string, image []byte) (string, error) {
	objectKey := fmt.Sprintf(
		"charts/%s/%s_%s.png",
		userID,
		time.Now().UTC().Format("20060102_150405"),
		uuid.NewString()[:8],
	)
	if contentType == "" {
		contentType = "image/png"
	}
	_, err := m.client.PutObject(
		ctx,
		m.bucket,
		objectKey,
		bytes.NewReader(image),
		int64(len(image)),
		minio.PutObjectOptions{ContentType: contentType},
	)
	if err != nil {
		return "", err
	}
	return objectKey, nil
}
