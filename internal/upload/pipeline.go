package upload

import (
	"context"
	"errors"
	"hash/crc32"
	"time"

	"server/internal/apperr"
	"server/internal/httpx"
	"server/internal/infra"
)

// InterUploadPause is the fixed pacing between sequential uploads of
// multiple source images. It protects the upstream from bursty PUTs; do
// not remove it even though it slows multi-image requests.
const InterUploadPause = 2 * time.Second

// stepTimeout bounds every individual HTTP call in the handshake.
const stepTimeout = 30 * time.Second

// Pipeline drives the four-step signed upload handshake against a
// Transport, applying the spec's retry policy: steps 3 (PUT) and 4
// (commit) retry up to 3 times with linear backoff, step 2 (apply) is not
// retried since its failures are usually credential-related.
type Pipeline struct {
	transport Transport
	logger    infra.Logger
}

// New builds a Pipeline over transport.
func New(transport Transport, logger infra.Logger) *Pipeline {
	return &Pipeline{transport: transport, logger: logger}
}

// UploadOne performs the full handshake for one image and returns its
// opaque upstream URI.
func (p *Pipeline) UploadOne(ctx context.Context, credential string, region Region, data []byte) (UploadedAsset, error) {
	token, err := p.acquireToken(ctx, credential, region)
	if err != nil {
		return UploadedAsset{}, err
	}

	apply, err := p.apply(ctx, token, region, len(data))
	if err != nil {
		return UploadedAsset{}, err
	}
	if len(apply.StoreInfos) == 0 || len(apply.UploadHosts) == 0 {
		return UploadedAsset{}, apperr.New(apperr.UpstreamProtocolError, "apply response missing store info")
	}
	store := apply.StoreInfos[0]
	host := apply.UploadHosts[0]

	if err := p.putBytesWithRetry(ctx, host, store, data); err != nil {
		return UploadedAsset{}, err
	}

	commit, err := p.commitWithRetry(ctx, token, region, apply.SessionKey)
	if err != nil {
		return UploadedAsset{}, err
	}
	if commit.UriStatus != 2000 {
		return UploadedAsset{}, apperr.New(apperr.UploadCommitFailed, "unexpected UriStatus")
	}

	return UploadedAsset{URI: commit.URI, Region: region}, nil
}

// UploadMany uploads each image sequentially, pausing InterUploadPause
// between uploads (never before the first, never after the last) so N=1
// requests incur no delay, matching S3 in the end-to-end scenarios.
func (p *Pipeline) UploadMany(ctx context.Context, credential string, region Region, images [][]byte) ([]UploadedAsset, error) {
	out := make([]UploadedAsset, 0, len(images))
	for i, data := range images {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(InterUploadPause):
			}
		}
		asset, err := p.UploadOne(ctx, credential, region, data)
		if err != nil {
			return nil, err
		}
		out = append(out, asset)
	}
	return out, nil
}

func (p *Pipeline) acquireToken(ctx context.Context, credential string, region Region) (UploadToken, error) {
	stepCtx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()
	token, err := p.transport.AcquireToken(stepCtx, credential, region)
	if err != nil {
		return UploadToken{}, classifyTransportErr(err, apperr.UploadAuth)
	}
	return token, nil
}

func (p *Pipeline) apply(ctx context.Context, token UploadToken, region Region, size int) (ApplyResult, error) {
	stepCtx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()
	res, err := p.transport.Apply(stepCtx, token, region, size)
	if err != nil {
		return ApplyResult{}, classifyTransportErr(err, apperr.UploadAuth)
	}
	return res, nil
}

func (p *Pipeline) putBytesWithRetry(ctx context.Context, host string, store StoreInfo, data []byte) error {
	crc := crc32.ChecksumIEEE(data)
	policy := httpx.RetryPolicy{MaxAttempts: 3, LinearStep: 2 * time.Second, PerAttemptTimeout: stepTimeout}
	return httpx.RetryDo(ctx, policy, func(attemptCtx context.Context, attempt int) error {
		p.logger.Debug().Int("attempt", attempt).Uint32("crc32", crc).Msg("upload put attempt")
		if err := p.transport.PutBytes(attemptCtx, host, store, data); err != nil {
			return classifyTransportErr(err, apperr.UploadNetwork)
		}
		return nil
	})
}

func (p *Pipeline) commitWithRetry(ctx context.Context, token UploadToken, region Region, sessionKey string) (CommitResult, error) {
	policy := httpx.RetryPolicy{MaxAttempts: 3, LinearStep: 3 * time.Second, PerAttemptTimeout: stepTimeout}
	var result CommitResult
	err := httpx.RetryDo(ctx, policy, func(attemptCtx context.Context, attempt int) error {
		res, err := p.transport.Commit(attemptCtx, token, region, sessionKey)
		if err != nil {
			return classifyTransportErr(err, apperr.UploadNetwork)
		}
		result = res
		if res.UriStatus != 2000 {
			// non-2000 is a definitive commit failure, not a transient
			// condition worth retrying against the same session key.
			return httpx.NonRetryable(apperr.New(apperr.UploadCommitFailed, "unexpected UriStatus"))
		}
		return nil
	})
	if err != nil {
		var ae *apperr.Error
		if errors.As(err, &ae) {
			return CommitResult{}, ae
		}
		return CommitResult{}, err
	}
	return result, nil
}

func classifyTransportErr(err error, fallback apperr.Kind) error {
	if _, ok := apperr.As(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.UploadTimeout, "upload step timed out", err)
	}
	return apperr.Wrap(fallback, "upload step failed", err)
}
