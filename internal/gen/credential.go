package gen

import (
	"crypto/md5"
	"encoding/hex"

	"server/internal/upload"
)

// Credential is the parsed form of the opaque refresh-token string
// clients send: a region prefix (default CN) plus a stable session id
// derived by hashing the raw credential.
type Credential struct {
	Raw       string
	Token     string // credential with the region prefix stripped
	Region    upload.Region
	SessionID string
}

// DeriveCredential implements the external-interfaces credential format:
// a "US:"/"HK:" prefix selects the region (absent defaults to CN), and
// the session id is "session_" + first 16 hex chars of MD5(credential).
func DeriveCredential(raw string) Credential {
	region, token := upload.RegionFromCredentialPrefix(raw)
	sum := md5.Sum([]byte(raw))
	sessionID := "session_" + hex.EncodeToString(sum[:])[:16]
	return Credential{Raw: raw, Token: token, Region: region, SessionID: sessionID}
}
