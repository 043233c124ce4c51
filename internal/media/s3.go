// internal/media/s3.go
// Package media mirrors remote media blobs referenced by federation
// messages into S3-compatible storage, so rendering does not depend on the
// origin node staying reachable. Mirroring is optional; when no bucket is
// configured, media stubs keep their origin URLs.
package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// maxMirrorBytes caps how much of a remote blob the mirror will ingest.
const maxMirrorBytes = 64 << 20

// Mirror copies remote media blobs into local S3 storage and hands out
// presigned fetch URLs for them.
type Mirror struct {
	client     *s3.Client
	httpClient *http.Client
	bucket     string
}

// NewMirror creates an S3-backed media mirror. It supports both AWS S3 and
// S3-compatible services like MinIO.
func NewMirror(endpoint, region, bucket, accessKey, secretKey string) (*Mirror, error) {
	cfg, err := config.LoadDefaultConfig(context.TODO(),
		config.WithRegion(region),
		config.WithBaseEndpoint(endpoint),
		config.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(ctx context.Context) (aws.Credentials, error) {
				return aws.Credentials{
					AccessKeyID:     accessKey,
					SecretAccessKey: secretKey,
				}, nil
			})),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true // Required for MinIO and other S3-compatible services
	})

	return &Mirror{
		client:     client,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		bucket:     bucket,
	}, nil
}

// objectKey is where a mirrored blob lives in the bucket.
func objectKey(puid string) string {
	return "federation/media/" + puid
}

// MirrorBlob downloads a remote blob and stores it under the media PUID.
// Returns the object key of the mirrored copy.
func (m *Mirror) MirrorBlob(ctx context.Context, puid, sourceURL, mimeType string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create fetch request: %w", err)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch remote blob: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("remote blob fetch returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMirrorBytes+1))
	if err != nil {
		return "", fmt.Errorf("failed to read remote blob: %w", err)
	}
	if len(body) > maxMirrorBytes {
		return "", fmt.Errorf("remote blob exceeds mirror size limit")
	}

	key := objectKey(puid)
	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(mimeType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to store mirrored blob: %w", err)
	}
	return key, nil
}

// FetchURL generates a presigned GET URL for a mirrored blob.
func (m *Mirror) FetchURL(ctx context.Context, puid string, expires time.Duration) (string, error) {
	presignClient := s3.NewPresignClient(m.client)

	presignResult, err := presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(objectKey(puid)),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = expires
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}
	return presignResult.URL, nil
}

// Exists verifies a mirrored blob via HEAD and reports its size.
func (m *Mirror) Exists(ctx context.Context, puid string) (bool, int64, error) {
	result, err := m.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(objectKey(puid)),
	})
	if err != nil {
		return false, 0, fmt.Errorf("failed to get object metadata: %w", err)
	}
	size := int64(0)
	if result.ContentLength != nil {
		size = *result.ContentLength
	}
	return true, size, nil
}
