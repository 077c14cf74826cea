// Package token implements the stateless capability tokens that authorize
// file downloads. A token encodes the file id and an expiry timestamp and is
// signed with a process-wide HMAC secret, so verification needs no database
// or session lookup.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Signer signs and verifies download tokens. The secret is set once at
// startup and never changes afterwards.
type Signer struct {
	secret []byte
	now    func() time.Time
}

func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret, now: time.Now}
}

// Sign returns a token granting download access to fileID until expiresAt
// (Unix seconds). expiresAt of 0 means the token never expires.
func (s *Signer) Sign(fileID string, expiresAt int64) string {
	payload := fmt.Sprintf("%s:%d", fileID, expiresAt)
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	raw := append([]byte(payload+":"), mac.Sum(nil)...)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// Verify decodes tok and returns the file id it grants access to. Malformed,
// tampered and expired tokens all report ok=false; callers must not
// distinguish between those cases.
func (s *Signer) Verify(tok string) (string, bool) {
	raw, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil {
		// Tolerate padded tokens from older clients.
		raw, err = base64.URLEncoding.DecodeString(tok)
		if err != nil {
			return "", false
		}
	}

	// The signature is raw bytes and may itself contain the separator, so
	// only the two leading fields are split off.
	parts := strings.SplitN(string(raw), ":", 3)
	if len(parts) != 3 {
		return "", false
	}
	fileID, expRaw, sig := parts[0], parts[1], []byte(parts[2])

	exp, err := strconv.ParseInt(expRaw, 10, 64)
	if err != nil {
		return "", false
	}
	if exp != 0 && exp < s.now().Unix() {
		return "", false
	}

	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s:%s", fileID, expRaw)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return "", false
	}
	return fileID, true
}
