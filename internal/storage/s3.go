package storage

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Service writes reports to Amazon S3 (or compatible APIs).
type S3Service struct {
	uploader *manager.Uploader
}

func NewS3Service(client manager.UploadAPIClient) *S3Service {
	return &S3Service{
		uploader: manager.NewUploader(client),
	}
}

func (s *S3Service) PutReport(ctx context.Context, key string, body []byte, opts ArchiveOptions) (string, error) {
	if opts.Bucket == "" {
		return "", fmt.Errorf("storage bucket is required")
	}
	if key == "" {
		return "", fmt.Errorf("object key is required")
	}

	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(opts.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		ACL:         types.ObjectCannedACLPrivate,
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}

	return fmt.Sprintf("s3://%s/%s", opts.Bucket, key), nil
}

var _ Service = (*S3Service)(nil)
