package upload

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"time"

	"server/internal/apperr"
)

// HTTPTransport implements Transport against the real upstream, signing
// ApplyImageUpload and CommitImageUpload with SigV4 per the external
// interfaces contract.
type HTTPTransport struct {
	Client       *http.Client
	MweBBaseURL  func(Region) string // base for get_upload_token
	ImageXScheme string              // "https" unless overridden for tests
}

// NewHTTPTransport builds an HTTPTransport with sane defaults.
func NewHTTPTransport(client *http.Client, mwebBase func(Region) string) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: stepTimeout}
	}
	return &HTTPTransport{Client: client, MweBBaseURL: mwebBase, ImageXScheme: "https"}
}

func (t *HTTPTransport) AcquireToken(ctx context.Context, credential string, region Region) (UploadToken, error) {
	ep := Resolve(region)
	base := t.MweBBaseURL(region)
	body, _ := json.Marshal(map[string]string{"service_id": ep.ServiceID, "scope": "AIGC image upload"})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/mweb/v1/get_upload_token", bytes.NewReader(body))
	if err != nil {
		return UploadToken{}, apperr.Wrap(apperr.UploadNetwork, "build token request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Referer", ep.ReferOrigin)

	resp, err := t.Client.Do(req)
	if err != nil {
		return UploadToken{}, apperr.Wrap(apperr.UploadNetwork, "acquire token", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return UploadToken{}, apperr.New(apperr.UploadAuth, "token request rejected")
	}
	if resp.StatusCode != http.StatusOK {
		return UploadToken{}, apperr.New(apperr.UploadNetwork, fmt.Sprintf("token request status %d", resp.StatusCode))
	}

	var out struct {
		AccessKeyID     string `json:"access_key_id"`
		SecretAccessKey string `json:"secret_access_key"`
		SessionToken    string `json:"session_token"`
		ExpiredTime     int64  `json:"expired_time"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return UploadToken{}, apperr.Wrap(apperr.UpstreamProtocolError, "decode token response", err)
	}

	return UploadToken{
		AccessKey:    out.AccessKeyID,
		SecretKey:    out.SecretAccessKey,
		SessionToken: out.SessionToken,
		ServiceID:    ep.ServiceID,
		ExpiresAt:    time.Unix(out.ExpiredTime, 0),
	}, nil
}

func (t *HTTPTransport) Apply(ctx context.Context, token UploadToken, region Region, fileSize int) (ApplyResult, error) {
	ep := Resolve(region)
	url := fmt.Sprintf("%s://%s/?Action=ApplyImageUpload&Version=2018-08-01&ServiceId=%s&FileSize=%d",
		t.ImageXScheme, ep.ImageXHost, ep.ServiceID, fileSize)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ApplyResult{}, apperr.Wrap(apperr.UploadNetwork, "build apply request", err)
	}
	req.Header.Set("Referer", ep.ReferOrigin)

	s := newSigner(token.AccessKey, token.SecretKey, token.SessionToken, ep.SigningRegion, "imagex")
	s.sign(req, nil)

	resp, err := t.Client.Do(req)
	if err != nil {
		return ApplyResult{}, apperr.Wrap(apperr.UploadNetwork, "apply upload", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return ApplyResult{}, apperr.New(apperr.UploadAuth, "apply request rejected")
	}
	if resp.StatusCode != http.StatusOK {
		return ApplyResult{}, apperr.New(apperr.UploadNetwork, fmt.Sprintf("apply status %d", resp.StatusCode))
	}

	var out struct {
		Result struct {
			UploadAddress struct {
				StoreInfos []struct {
					StoreURI string `json:"StoreUri"`
					Auth     string `json:"Auth"`
				} `json:"StoreInfos"`
				UploadHosts []string `json:"UploadHosts"`
				SessionKey  string   `json:"SessionKey"`
			} `json:"UploadAddress"`
		} `json:"Result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ApplyResult{}, apperr.Wrap(apperr.UpstreamProtocolError, "decode apply response", err)
	}

	result := ApplyResult{
		UploadHosts: out.Result.UploadAddress.UploadHosts,
		SessionKey:  out.Result.UploadAddress.SessionKey,
	}
	for _, si := range out.Result.UploadAddress.StoreInfos {
		result.StoreInfos = append(result.StoreInfos, StoreInfo{StoreURI: si.StoreURI, Auth: si.Auth})
	}
	return result, nil
}

func (t *HTTPTransport) PutBytes(ctx context.Context, host string, store StoreInfo, data []byte) error {
	crcHex := crc32HexOf(data)
	url := fmt.Sprintf("%s://%s/upload/v1/%s", t.ImageXScheme, host, store.StoreURI)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return apperr.Wrap(apperr.UploadNetwork, "build put request", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-CRC32", crcHex)
	req.Header.Set("Authorization", store.Auth)

	resp, err := t.Client.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.UploadNetwork, "put bytes", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return apperr.New(apperr.UploadAuth, "put rejected")
	}
	if resp.StatusCode/100 != 2 {
		return apperr.New(apperr.UploadNetwork, fmt.Sprintf("put status %d", resp.StatusCode))
	}
	return nil
}

func (t *HTTPTransport) Commit(ctx context.Context, token UploadToken, region Region, sessionKey string) (CommitResult, error) {
	ep := Resolve(region)
	url := fmt.Sprintf("%s://%s/?Action=CommitImageUpload&Version=2018-08-01&ServiceId=%s",
		t.ImageXScheme, ep.ImageXHost, ep.ServiceID)

	body, _ := json.Marshal(map[string]string{"SessionKey": sessionKey})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return CommitResult{}, apperr.Wrap(apperr.UploadNetwork, "build commit request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Referer", ep.ReferOrigin)

	s := newSigner(token.AccessKey, token.SecretKey, token.SessionToken, ep.SigningRegion, "imagex")
	s.sign(req, body)

	resp, err := t.Client.Do(req)
	if err != nil {
		return CommitResult{}, apperr.Wrap(apperr.UploadNetwork, "commit upload", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return CommitResult{}, apperr.New(apperr.UploadAuth, "commit rejected")
	}
	if resp.StatusCode != http.StatusOK {
		return CommitResult{}, apperr.New(apperr.UploadNetwork, fmt.Sprintf("commit status %d", resp.StatusCode))
	}

	var out struct {
		Result struct {
			Results []struct {
				UriStatus int    `json:"UriStatus"`
				Uri       string `json:"Uri"`
			} `json:"Results"`
		} `json:"Result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return CommitResult{}, apperr.Wrap(apperr.UpstreamProtocolError, "decode commit response", err)
	}
	if len(out.Result.Results) == 0 {
		return CommitResult{}, apperr.New(apperr.UpstreamProtocolError, "commit response missing results")
	}
	return CommitResult{UriStatus: out.Result.Results[0].UriStatus, URI: out.Result.Results[0].Uri}, nil
}

func crc32HexOf(data []byte) string {
	h := crc32.ChecksumIEEE(data)
	return hex.EncodeToString([]byte{byte(h >> 24), byte(h >> 16), byte(h >> 8), byte(h)})
}
