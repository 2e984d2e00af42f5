// Package authn consumes bearer credentials minted by the external
// authentication service and resolves them to an account identity. Tokens are
// HS256 JWTs whose subject is the opaque account ID; this package verifies,
// it never issues.
package authn

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/selahapp/selah-go/internal/fault"
)

// Identity is the authenticated caller.
type Identity struct {
	AccountID string
}

// Verifier validates bearer tokens against the auth service's shared secret.
type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewVerifier creates a Verifier. issuer is optional; when set, tokens from
// any other issuer are rejected.
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		issuer: strings.TrimSpace(issuer),
		now:    time.Now,
	}
}

// Authenticate resolves a bearer credential to an account identity.
func (v *Verifier) Authenticate(bearer string) (Identity, error) {
	bearer = strings.TrimSpace(bearer)
	if bearer == "" {
		return Identity{}, fault.New(fault.Unauthenticated, "missing bearer token")
	}
	if len(v.secret) == 0 {
		return Identity{}, fault.New(fault.Unauthenticated, "auth verifier not configured")
	}

	var claims jwt.RegisteredClaims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return v.now() }),
		jwt.WithExpirationRequired(),
	)
	token, err := parser.ParseWithClaims(bearer, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, fault.Wrap(fault.Unauthenticated, "parse bearer token", err)
	}
	if !token.Valid {
		return Identity{}, fault.New(fault.Unauthenticated, "invalid bearer token")
	}
	if v.issuer != "" && claims.Issuer != v.issuer {
		return Identity{}, fault.Newf(fault.Unauthenticated, "unexpected token issuer %q", claims.Issuer)
	}

	accountID := strings.TrimSpace(claims.Subject)
	if accountID == "" {
		return Identity{}, fault.New(fault.Unauthenticated, "bearer token missing subject")
	}
	return Identity{AccountID: accountID}, nil
}

// BearerFromHeader extracts the token from an Authorization header value.
func BearerFromHeader(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
