package api

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTIssuer mints HS256-signed development tokens. The signing key is
// generated per instance, so the tokens carry no real trust; they exist to
// satisfy clients that insist on a syntactically valid bearer token while
// their API is being simulated.
type JWTIssuer struct {
	key    []byte
	issuer string
	now    func() time.Time
}

// NewJWTIssuer creates an issuer with a fresh random signing key.
func NewJWTIssuer(issuer string) (*JWTIssuer, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}
	return &JWTIssuer{key: key, issuer: issuer, now: time.Now}, nil
}

// IssueToken signs a token valid for ttl. Caller-supplied claims are merged
// over the registered ones, so a test can pin its own sub or aud.
func (i *JWTIssuer) IssueToken(claims map[string]interface{}, ttl time.Duration) (string, error) {
	now := i.now()
	mc := jwt.MapClaims{
		"iss": i.issuer,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	for k, v := range claims {
		mc[k] = v
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, mc)
	signed, err := token.SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}
