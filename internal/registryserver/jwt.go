package registryserver

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// No JWT library appears anywhere in the example pack (confirmed by an
// exhaustive dependency grep); this is a minimal HS256-only JWT-shaped
// token, stdlib crypto/hmac + crypto/sha256 + encoding/json only, just
// enough for the registry's own short-lived bearer tokens (upload grants,
// auth id tokens). See DESIGN.md's "Stdlib-only choices" section.

type jwtHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

var jwtHeaderSegment = b64("{\"alg\":\"HS256\",\"typ\":\"JWT\"}")

func b64(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

// signJWT renders claims as a compact HS256 JWT signed with secret.
func signJWT(secret []byte, claims map[string]any) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("registryserver: marshal jwt claims: %w", err)
	}
	unsigned := jwtHeaderSegment + "." + base64.RawURLEncoding.EncodeToString(payload)

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(unsigned))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return unsigned + "." + sig, nil
}

// verifyJWT checks token's HS256 signature against secret and returns its
// claims. Expiry ("exp", a Unix timestamp) is enforced here when present.
func verifyJWT(secret []byte, token string) (map[string]any, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("registryserver: malformed bearer token")
	}
	unsigned := parts[0] + "." + parts[1]

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(unsigned))
	want := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	if subtle.ConstantTimeCompare([]byte(want), []byte(parts[2])) != 1 {
		return nil, fmt.Errorf("registryserver: bearer token signature invalid")
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("registryserver: decode bearer payload: %w", err)
	}
	var claims map[string]any
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("registryserver: parse bearer payload: %w", err)
	}

	if exp, ok := claims["exp"].(float64); ok {
		if time.Now().Unix() > int64(exp) {
			return nil, fmt.Errorf("registryserver: bearer token expired")
		}
	}
	return claims, nil
}

// newUploadToken mints the 3-minute upload bearer described in §4.I:
// {sub: archiveId, name, kind}.
func newUploadToken(secret []byte, archiveID, name, kind string, ttl time.Duration) (string, error) {
	return signJWT(secret, map[string]any{
		"sub":  archiveID,
		"name": name,
		"kind": kind,
		"exp":  time.Now().Add(ttl).Unix(),
	})
}

// newIDToken mints a session identity token for an authenticated user.
func newIDToken(secret []byte, userID int64, email string, ttl time.Duration) (string, error) {
	return signJWT(secret, map[string]any{
		"sub":   fmt.Sprintf("%d", userID),
		"email": email,
		"exp":   time.Now().Add(ttl).Unix(),
	})
}
