// Package archive implements optional cold-storage archival of rotated log
// segments to S3-compatible object storage, extending the Message Log's
// retention policy: before a segment ages out, it is uploaded so operators
// can recover history outside the retention window.
package archive

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Archiver uploads rotated segments to an S3-compatible bucket.
type S3Archiver struct {
	client *s3.Client
	bucket string
}

// NewS3Archiver configures a client for endpoint (empty for real AWS S3, or
// an S3-compatible endpoint such as a MinIO instance).
func NewS3Archiver(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("archive: bucket name is required")
	}

	cfg := aws.Config{
		Region:      "us-east-1",
		Credentials: credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
		if !useSSL {
			o.EndpointOptions.DisableHTTPS = true
		}
	})

	return &S3Archiver{client: client, bucket: bucket}, nil
}

// Archive uploads segmentPath's contents under
// projects/{projectID}/{segment filename}.
func (a *S3Archiver) Archive(projectID, segmentPath string) error {
	f, err := os.Open(segmentPath)
	if err != nil {
		return fmt.Errorf("archive: open %s: %w", segmentPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("archive: stat %s: %w", segmentPath, err)
	}

	key := path.Join("projects", projectID, filepath.Base(segmentPath))
	_, err = a.client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
	})
	if err != nil {
		return fmt.Errorf("archive: upload %q: %w", key, err)
	}
	return nil
}
