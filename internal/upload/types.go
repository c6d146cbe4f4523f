package upload

import (
	"context"
	"time"
)

// UploadToken is the temporary credential minted by get_upload_token,
// scoped to "AIGC image upload".
type UploadToken struct {
	AccessKey    string
	SecretKey    string
	SessionToken string
	ServiceID    string
	ExpiresAt    time.Time
}

// StoreInfo is one candidate upload target returned by ApplyImageUpload.
type StoreInfo struct {
	StoreURI string
	Auth     string // upstream-issued Authorization header for the PUT
}

// ApplyResult is the response of ApplyImageUpload.
type ApplyResult struct {
	StoreInfos  []StoreInfo
	UploadHosts []string
	SessionKey  string
}

// CommitResult is the response of CommitImageUpload.
type CommitResult struct {
	UriStatus int
	URI       string
}

// UploadedAsset is the opaque URI returned to callers, bound to the
// credential that performed the upload.
type UploadedAsset struct {
	URI    string
	Region Region
}

// Transport performs the four upstream calls of the signed upload
// handshake. Splitting it out of Pipeline lets the pipeline's retry,
// pacing, and error-mapping logic be exercised against a local/dev
// backend (see MinioTransport) without a live upstream.
type Transport interface {
	AcquireToken(ctx context.Context, credential string, region Region) (UploadToken, error)
	Apply(ctx context.Context, token UploadToken, region Region, fileSize int) (ApplyResult, error)
	PutBytes(ctx context.Context, host string, store StoreInfo, data []byte) error
	Commit(ctx context.Context, token UploadToken, region Region, sessionKey string) (CommitResult, error)
}
