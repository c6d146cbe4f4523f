package upload

import (
	"context"
	"errors"
	"testing"
	"time"

	"server/internal/apperr"
	"server/internal/infra"
)

// fakeTransport lets each of the four handshake steps be scripted
// independently, and counts calls so retry behavior can be asserted.
type fakeTransport struct {
	tokenErr error

	applyResult ApplyResult
	applyEmpty  bool
	applyErr    error

	putFailures int // number of PutBytes calls that fail before succeeding
	putCalls    int
	putErr      error

	commitResults []CommitResult // popped in order, last one repeats if exhausted
	commitErr     error
	commitCalls   int
}

func (f *fakeTransport) AcquireToken(ctx context.Context, credential string, region Region) (UploadToken, error) {
	if err := ctx.Err(); err != nil {
		return UploadToken{}, err
	}
	if f.tokenErr != nil {
		return UploadToken{}, f.tokenErr
	}
	return UploadToken{AccessKey: "ak", SecretKey: "sk"}, nil
}

func (f *fakeTransport) Apply(ctx context.Context, token UploadToken, region Region, fileSize int) (ApplyResult, error) {
	if f.applyErr != nil {
		return ApplyResult{}, f.applyErr
	}
	if f.applyEmpty {
		return ApplyResult{}, nil
	}
	if len(f.applyResult.StoreInfos) == 0 {
		return ApplyResult{
			StoreInfos:  []StoreInfo{{StoreURI: "store-1"}},
			UploadHosts: []string{"upload.example"},
			SessionKey:  "session-1",
		}, nil
	}
	return f.applyResult, nil
}

func (f *fakeTransport) PutBytes(ctx context.Context, host string, store StoreInfo, data []byte) error {
	f.putCalls++
	if f.putCalls <= f.putFailures {
		if f.putErr != nil {
			return f.putErr
		}
		return errors.New("transient put failure")
	}
	return nil
}

func (f *fakeTransport) Commit(ctx context.Context, token UploadToken, region Region, sessionKey string) (CommitResult, error) {
	f.commitCalls++
	if f.commitErr != nil {
		return CommitResult{}, f.commitErr
	}
	if len(f.commitResults) == 0 {
		return CommitResult{UriStatus: 2000, URI: "uri-1"}, nil
	}
	idx := f.commitCalls - 1
	if idx >= len(f.commitResults) {
		idx = len(f.commitResults) - 1
	}
	return f.commitResults[idx], nil
}

func TestUploadOneHappyPath(t *testing.T) {
	transport := &fakeTransport{}
	p := New(transport, infra.NewLogger("test"))

	asset, err := p.UploadOne(context.Background(), "cred", RegionCN, []byte("data"))
	if err != nil {
		t.Fatalf("UploadOne: %v", err)
	}
	if asset.URI != "uri-1" || asset.Region != RegionCN {
		t.Fatalf("unexpected asset: %+v", asset)
	}
	if transport.putCalls != 1 || transport.commitCalls != 1 {
		t.Fatalf("expected one put and one commit, got put=%d commit=%d", transport.putCalls, transport.commitCalls)
	}
}

func TestUploadOneRetriesPutOnTransientFailure(t *testing.T) {
	transport := &fakeTransport{putFailures: 1}
	p := New(transport, infra.NewLogger("test"))

	asset, err := p.UploadOne(context.Background(), "cred", RegionCN, []byte("data"))
	if err != nil {
		t.Fatalf("UploadOne: %v", err)
	}
	if asset.URI != "uri-1" {
		t.Fatalf("unexpected asset: %+v", asset)
	}
	if transport.putCalls != 2 {
		t.Fatalf("expected the put step to retry once, got %d calls", transport.putCalls)
	}
}

func TestUploadOneDoesNotRetryCommitOnBadUriStatus(t *testing.T) {
	transport := &fakeTransport{commitResults: []CommitResult{{UriStatus: 4000}}}
	p := New(transport, infra.NewLogger("test"))

	_, err := p.UploadOne(context.Background(), "cred", RegionCN, []byte("data"))
	kind, ok := apperr.As(err)
	if !ok || kind != apperr.UploadCommitFailed {
		t.Fatalf("expected UploadCommitFailed, got %v (ok=%v)", kind, ok)
	}
	if transport.commitCalls != 1 {
		t.Fatalf("expected commit to not be retried on a definitive bad status, got %d calls", transport.commitCalls)
	}
}

func TestUploadOneFailsWhenApplyReturnsNoStoreInfo(t *testing.T) {
	transport := &fakeTransport{applyEmpty: true}
	p := New(transport, infra.NewLogger("test"))

	_, err := p.UploadOne(context.Background(), "cred", RegionCN, []byte("data"))
	kind, ok := apperr.As(err)
	if !ok || kind != apperr.UpstreamProtocolError {
		t.Fatalf("expected UpstreamProtocolError, got %v (ok=%v)", kind, ok)
	}
}

func TestUploadOneWrapsAcquireTokenFailureAsUploadAuth(t *testing.T) {
	transport := &fakeTransport{tokenErr: errors.New("401 unauthorized")}
	p := New(transport, infra.NewLogger("test"))

	_, err := p.UploadOne(context.Background(), "cred", RegionCN, []byte("data"))
	kind, ok := apperr.As(err)
	if !ok || kind != apperr.UploadAuth {
		t.Fatalf("expected UploadAuth, got %v (ok=%v)", kind, ok)
	}
}

func TestUploadManyDoesNotPaceSingleImage(t *testing.T) {
	transport := &fakeTransport{}
	p := New(transport, infra.NewLogger("test"))

	start := time.Now()
	assets, err := p.UploadMany(context.Background(), "cred", RegionCN, [][]byte{[]byte("a")})
	if err != nil {
		t.Fatalf("UploadMany: %v", err)
	}
	if elapsed := time.Since(start); elapsed >= InterUploadPause {
		t.Fatalf("expected no pacing delay for a single image, took %v", elapsed)
	}
	if len(assets) != 1 {
		t.Fatalf("expected one asset, got %d", len(assets))
	}
}

func TestUploadManyStopsOnFirstFailure(t *testing.T) {
	transport := &fakeTransport{tokenErr: errors.New("boom")}
	p := New(transport, infra.NewLogger("test"))

	_, err := p.UploadMany(context.Background(), "cred", RegionCN, [][]byte{[]byte("a"), []byte("b")})
	if err == nil {
		t.Fatal("expected an error from the first image's failed handshake")
	}
}

func TestUploadOneHonorsCancellation(t *testing.T) {
	transport := &fakeTransport{}
	p := New(transport, infra.NewLogger("test"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.UploadOne(ctx, "cred", RegionCN, []byte("data"))
	if err == nil {
		t.Fatal("expected an error when the context is already cancelled")
	}
}
