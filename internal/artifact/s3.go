package artifact

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path"
	"path/filepath"

	"github.com/kiranshivaraju/reconhub/internal/config"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3 mirrors results to an S3 compatible bucket under <job_id>/<file>.
type S3 struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
}

// NewS3 connects to the endpoint and creates the bucket if it is missing.
func NewS3(ctx context.Context, cfg config.ArtifactsConfig, logger *slog.Logger) (*S3, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
		logger.Info("created artifact bucket", "bucket", cfg.Bucket)
	}
	return &S3{client: client, bucket: cfg.Bucket, logger: logger}, nil
}

func (s *S3) Name() string { return "s3" }

// Key is the object key of a job file.
func Key(jobID, name string) string {
	return path.Join(jobID, name)
}

func (s *S3) Publish(ctx context.Context, jobID, dir string, files []string) error {
	for _, f := range files {
		src := filepath.Join(dir, filepath.FromSlash(f))
		ct := mime.TypeByExtension(filepath.Ext(f))
		if ct == "" {
			ct = "application/octet-stream"
		}
		info, err := s.client.FPutObject(ctx, s.bucket, Key(jobID, f), src, minio.PutObjectOptions{ContentType: ct})
		if err != nil {
			return fmt.Errorf("s3 put %s: %w", f, err)
		}
		s.logger.Debug("artifact published", "job_id", jobID, "key", info.Key, "size", info.Size)
	}
	return nil
}

func (s *S3) Open(ctx context.Context, jobID, name string) (io.ReadCloser, error) {
	key := Key(jobID, name)
	// GetObject is lazy; Stat surfaces a missing key before the caller reads.
	if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("s3 stat %s: %w", key, err)
	}
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("s3 get object: %w", err)
	}
	return obj, nil
}
