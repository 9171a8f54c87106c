package token

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMalformed = errors.New("malformed token")
	ErrSignature = errors.New("token signature mismatch")
	ErrExpired   = errors.New("token expired or missing exp")
)

// Validator verifies portal-issued stream tokens. It holds only the shared secret
// and a clock and is safe for concurrent use.
//
// The native format is base64(payload_json) + "." + hex(sha256(payload_json + secret)).
// When JWT support is enabled, three-part HS256 JWTs signed with the same secret are
// accepted as well.
type Validator struct {
	secret    []byte
	allowJWT  bool
	now       func() time.Time
	jwtParser *jwt.Parser
}

func NewValidator(secret string, allowJWT bool) *Validator {
	v := &Validator{
		secret:   []byte(secret),
		allowJWT: allowJWT,
		now:      time.Now,
	}
	v.jwtParser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return v.now() }),
	)
	return v
}

func (v *Validator) Validate(token string) bool {
	_, err := v.Verify(token)
	return err == nil
}

// Verify checks the token and returns its payload.
func (v *Validator) Verify(token string) (map[string]interface{}, error) {
	if token == "" {
		return nil, ErrMalformed
	}
	parts := strings.Split(token, ".")
	switch {
	case len(parts) == 2:
		return v.verifyMAC(parts[0], parts[1])
	case len(parts) == 3 && v.allowJWT:
		return v.verifyJWT(token)
	default:
		return nil, ErrMalformed
	}
}

func (v *Validator) verifyMAC(encoded, signature string) (map[string]interface{}, error) {
	payload, err := decodeSegment(encoded)
	if err != nil {
		return nil, ErrMalformed
	}

	h := sha256.New()
	h.Write(payload)
	h.Write(v.secret)
	expected := hex.EncodeToString(h.Sum(nil))
	if subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(signature))) != 1 {
		return nil, ErrSignature
	}

	var claims map[string]interface{}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, ErrMalformed
	}
	exp, ok := numericClaim(claims["exp"])
	if !ok || time.Unix(exp, 0).Before(v.now()) {
		return nil, ErrExpired
	}
	return claims, nil
}

func (v *Validator) verifyJWT(token string) (map[string]interface{}, error) {
	claims := jwt.MapClaims{}
	_, err := v.jwtParser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	switch {
	case err == nil:
		return claims, nil
	case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return nil, ErrExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return nil, ErrSignature
	default:
		return nil, ErrMalformed
	}
}

func decodeSegment(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(s)
}

func numericClaim(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}
