package authn

import (
	"maps"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the caller identity established by a verified token.
// It lives for the duration of one request.
type Identity struct {
	Subject   string         `json:"sub"`
	Issuer    string         `json:"iss"`
	Audience  []string       `json:"aud"`
	ExpiresAt time.Time      `json:"exp,omitempty"`
	Claims    map[string]any `json:"claims"`

	// Token is the raw bearer token, forwarded to the policy decision point.
	Token string `json:"-"`
}

// newIdentity builds an Identity from claims that have already been verified.
func newIdentity(claims jwt.MapClaims, raw string) *Identity {
	id := &Identity{
		Claims: maps.Clone(map[string]any(claims)),
		Token:  raw,
	}

	if sub, err := claims.GetSubject(); err == nil {
		id.Subject = sub
	}
	if iss, err := claims.GetIssuer(); err == nil {
		id.Issuer = iss
	}
	if aud, err := claims.GetAudience(); err == nil {
		id.Audience = []string(aud)
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		id.ExpiresAt = exp.Time
	}

	return id
}

// StringClaim returns a claim value when it is present and a string.
func (i *Identity) StringClaim(name string) (string, bool) {
	if i == nil {
		return "", false
	}
	v, ok := i.Claims[name].(string)
	return v, ok
}

// Email returns the email claim, or "" when absent.
func (i *Identity) Email() string {
	email, _ := i.StringClaim("email")
	return email
}
