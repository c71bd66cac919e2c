// Package security verifies bearer tokens issued by the external token authority.
package security

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned when a token is malformed, expired, or fails signature,
// issuer or audience checks.
var ErrInvalidToken = errors.New("invalid token")

// Identity is the verified subject of a bearer token.
type Identity struct {
	UserID string
	Claims jwt.MapClaims
}

// StringClaim returns the named claim when it is a string, or "".
func (i *Identity) StringClaim(name string) string {
	if i == nil {
		return ""
	}
	s, _ := i.Claims[name].(string)
	return s
}

// Verifier validates RS256/ES256 bearer tokens against a KeySource.
type Verifier struct {
	keys   KeySource
	parser *jwt.Parser
}

// NewVerifier returns a Verifier checking issuer and audience when they are non-empty.
func NewVerifier(keys KeySource, issuer, audience string) *Verifier {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "ES256"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return &Verifier{keys: keys, parser: jwt.NewParser(opts...)}
}

// Verify parses and validates tokenString and returns its subject.
func (v *Verifier) Verify(ctx context.Context, tokenString string) (*Identity, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return nil, ErrInvalidToken
	}
	claims := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		key, err := v.keys.Key(ctx, kid)
		if err != nil {
			return nil, err
		}
		switch token.Method.(type) {
		case *jwt.SigningMethodRSA:
			if _, ok := key.(*rsa.PublicKey); ok {
				return key, nil
			}
		case *jwt.SigningMethodECDSA:
			if _, ok := key.(*ecdsa.PublicKey); ok {
				return key, nil
			}
		}
		return nil, ErrInvalidKey
	})
	if err != nil {
		return nil, errors.Join(ErrInvalidToken, err)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, ErrInvalidToken
	}
	return &Identity{UserID: sub, Claims: claims}, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}
