package upload

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"server/internal/storage"
)

// FileTransport backs the same four-step Transport handshake with a local
// filesystem store, for development environments without MinIO or a live
// upstream. It reuses storage.FileStore, which the rest of this codebase
// already relies on for local asset persistence.
type FileTransport struct {
	store *storage.FileStore
}

// NewFileTransport roots a FileTransport at basePath.
func NewFileTransport(basePath string) (*FileTransport, error) {
	store, err := storage.NewFileStore(basePath)
	if err != nil {
		return nil, err
	}
	return &FileTransport{store: store}, nil
}

func (t *FileTransport) AcquireToken(_ context.Context, credential string, region Region) (UploadToken, error) {
	return UploadToken{
		AccessKey:    "file-" + uuid.NewString(),
		SecretKey:    "file-secret",
		SessionToken: "file-session",
		ServiceID:    Resolve(region).ServiceID,
		ExpiresAt:    time.Now().Add(15 * time.Minute),
	}, nil
}

func (t *FileTransport) Apply(_ context.Context, token UploadToken, _ Region, _ int) (ApplyResult, error) {
	key := uuid.NewString()
	return ApplyResult{
		StoreInfos:  []StoreInfo{{StoreURI: key, Auth: token.SessionToken}},
		UploadHosts: []string{"local"},
		SessionKey:  key,
	}, nil
}

func (t *FileTransport) PutBytes(ctx context.Context, _ string, store StoreInfo, data []byte) error {
	_, err := t.store.Write(ctx, store.StoreURI, data)
	return err
}

func (t *FileTransport) Commit(_ context.Context, _ UploadToken, _ Region, sessionKey string) (CommitResult, error) {
	return CommitResult{UriStatus: 2000, URI: fmt.Sprintf("file://%s", sessionKey)}, nil
}

var _ Transport = (*FileTransport)(nil)
