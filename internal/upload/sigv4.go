package upload

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// signer implements the AWS4-HMAC-SHA256 signing algorithm required by
// the upstream ApplyImageUpload/CommitImageUpload endpoints. The target
// is a bespoke ImageX API that merely reuses SigV4 as its auth scheme,
// not S3 itself, so this signs requests directly against crypto/hmac and
// crypto/sha256 rather than pulling in a general-purpose AWS client.
type signer struct {
	accessKey    string
	secretKey    string
	sessionToken string
	region       string
	service      string
}

func newSigner(accessKey, secretKey, sessionToken, region, service string) *signer {
	return &signer{accessKey: accessKey, secretKey: secretKey, sessionToken: sessionToken, region: region, service: service}
}

// sign attaches x-amz-date, x-amz-security-token, and an Authorization
// header computed over the canonical request. body may be nil for GET
// requests, in which case the canonical payload hash is that of the
// empty string.
func (s *signer) sign(req *http.Request, body []byte) {
	now := time.Now().UTC()
	amzDate := now.Format("20060102T150405Z")
	dateStamp := now.Format("20060102")

	req.Header.Set("x-amz-date", amzDate)
	if s.sessionToken != "" {
		req.Header.Set("x-amz-security-token", s.sessionToken)
	}
	if req.Host == "" {
		req.Host = req.URL.Host
	}

	payloadHash := hashHex(body)
	if req.Header.Get("x-amz-content-sha256") == "" {
		req.Header.Set("x-amz-content-sha256", payloadHash)
	}

	signedHeaders, canonicalHeaders := s.canonicalHeaders(req)
	canonicalRequest := strings.Join([]string{
		req.Method,
		canonicalURI(req.URL),
		canonicalQuery(req.URL),
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")

	credentialScope := fmt.Sprintf("%s/%s/%s/aws4_request", dateStamp, s.region, s.service)
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		credentialScope,
		hashHex([]byte(canonicalRequest)),
	}, "\n")

	signingKey := s.deriveKey(dateStamp)
	signature := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))

	auth := fmt.Sprintf("AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		s.accessKey, credentialScope, signedHeaders, signature)
	req.Header.Set("Authorization", auth)
}

func (s *signer) deriveKey(dateStamp string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+s.secretKey), dateStamp)
	kRegion := hmacSHA256(kDate, s.region)
	kService := hmacSHA256(kRegion, s.service)
	return hmacSHA256(kService, "aws4_request")
}

func (s *signer) canonicalHeaders(req *http.Request) (signedHeaders, canonicalHeaders string) {
	headers := map[string]string{
		"host":                 req.Host,
		"x-amz-date":           req.Header.Get("x-amz-date"),
		"x-amz-content-sha256": req.Header.Get("x-amz-content-sha256"),
	}
	if s.sessionToken != "" {
		headers["x-amz-security-token"] = req.Header.Get("x-amz-security-token")
	}

	names := make([]string, 0, len(headers))
	for k := range headers {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteString(":")
		b.WriteString(strings.TrimSpace(headers[name]))
		b.WriteString("\n")
	}
	return strings.Join(names, ";"), b.String()
}

func canonicalURI(u *url.URL) string {
	if u.EscapedPath() == "" {
		return "/"
	}
	return u.EscapedPath()
}

func canonicalQuery(u *url.URL) string {
	q := u.Query()
	names := make([]string, 0, len(q))
	for k := range q {
		names = append(names, k)
	}
	sort.Strings(names)

	var parts []string
	for _, name := range names {
		values := q[name]
		sort.Strings(values)
		for _, v := range values {
			parts = append(parts, url.QueryEscape(name)+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(parts, "&")
}

func hashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}
