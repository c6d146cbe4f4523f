package upload

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"server/internal/apperr"
)

// MinioTransport emulates the upstream signed-upload handshake against a
// local/dev MinIO (or any S3-compatible) bucket, so the Upload Pipeline's
// retry, pacing, and error-mapping logic can be exercised end-to-end
// without a live upstream credential. It satisfies the same Transport
// contract as HTTPTransport: acquire a scoped token, "apply" for a
// pre-signed target, PUT the bytes, and commit.
type MinioTransport struct {
	client *minio.Client
	bucket string
}

// NewMinioTransport connects to endpoint (host:port, no scheme) with
// static credentials and ensures bucket exists.
func NewMinioTransport(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioTransport, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("upload: connect minio: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("upload: check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("upload: create bucket: %w", err)
		}
	}

	return &MinioTransport{client: client, bucket: bucket}, nil
}

func (t *MinioTransport) AcquireToken(_ context.Context, credential string, region Region) (UploadToken, error) {
	return UploadToken{
		AccessKey:    "dev-" + uuid.NewString(),
		SecretKey:    "dev-secret",
		SessionToken: "dev-session",
		ServiceID:    Resolve(region).ServiceID,
		ExpiresAt:    time.Now().Add(15 * time.Minute),
	}, nil
}

func (t *MinioTransport) Apply(_ context.Context, _ UploadToken, _ Region, _ int) (ApplyResult, error) {
	objectKey := "uploads/" + uuid.NewString()
	return ApplyResult{
		StoreInfos:  []StoreInfo{{StoreURI: objectKey, Auth: "dev-auth"}},
		UploadHosts: []string{t.bucket},
		SessionKey:  objectKey,
	}, nil
}

func (t *MinioTransport) PutBytes(ctx context.Context, _ string, store StoreInfo, data []byte) error {
	_, err := t.client.PutObject(ctx, t.bucket, store.StoreURI, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return apperr.Wrap(apperr.UploadNetwork, "minio put object", err)
	}
	return nil
}

func (t *MinioTransport) Commit(ctx context.Context, _ UploadToken, _ Region, sessionKey string) (CommitResult, error) {
	url, err := t.client.PresignedGetObject(ctx, t.bucket, sessionKey, 24*time.Hour, nil)
	if err != nil {
		return CommitResult{}, apperr.Wrap(apperr.UploadCommitFailed, "presign uploaded object", err)
	}
	return CommitResult{UriStatus: 2000, URI: url.String()}, nil
}

var _ Transport = (*MinioTransport)(nil)
var _ Transport = (*HTTPTransport)(nil)
