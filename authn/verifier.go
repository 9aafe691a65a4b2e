// Package authn verifies RS256 bearer tokens against a remote key set.
package authn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/upb/authz-gateway/jwks"
)

var (
	// ErrMissingToken is returned when no bearer token was presented
	ErrMissingToken = errors.New("missing bearer token")

	// ErrMalformedToken is returned when the token cannot be parsed
	ErrMalformedToken = errors.New("malformed token")

	// ErrUnsupportedAlgorithm is returned when the token declares an algorithm other than RS256
	ErrUnsupportedAlgorithm = errors.New("unsupported signing algorithm")

	// ErrKeyResolution is returned when the signing key cannot be resolved
	ErrKeyResolution = errors.New("signing key resolution failed")

	// ErrSignatureInvalid is returned when the signature does not verify
	ErrSignatureInvalid = errors.New("invalid token signature")

	// ErrAudienceMismatch is returned when the token audience is not the expected one
	ErrAudienceMismatch = errors.New("invalid audience")

	// ErrIssuerMismatch is returned when the token issuer is not the expected one
	ErrIssuerMismatch = errors.New("invalid issuer")

	// ErrTokenExpired is returned when the token has expired or is not yet valid
	ErrTokenExpired = errors.New("token expired")
)

// allowedAlgorithm is the only signing algorithm accepted.
var allowedAlgorithm = jwt.SigningMethodRS256.Alg()

// KeyResolver resolves a signing key by kid.
type KeyResolver interface {
	Resolve(ctx context.Context, kid string) (jwks.SigningKey, error)
}

// Config holds configuration for Verifier
type Config struct {
	Audience string
	Issuer   string
	Leeway   time.Duration
}

// Verifier validates bearer tokens.
type Verifier struct {
	keys   KeyResolver
	parser *jwt.Parser
}

// NewVerifier creates a new Verifier
func NewVerifier(keys KeyResolver, cfg Config) *Verifier {
	return &Verifier{
		keys: keys,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{allowedAlgorithm}),
			jwt.WithAudience(cfg.Audience),
			jwt.WithIssuer(cfg.Issuer),
			jwt.WithLeeway(cfg.Leeway),
		),
	}
}

// Verify validates rawToken and returns the identity it asserts.
//
// The token structure and algorithm are checked before any key lookup, so a
// token declaring a foreign algorithm never causes a key set fetch.
func (v *Verifier) Verify(ctx context.Context, rawToken string) (*Identity, error) {
	if rawToken == "" {
		return nil, ErrMissingToken
	}

	unverified, _, err := v.parser.ParseUnverified(rawToken, jwt.MapClaims{})
	if err != nil {
		// An absent or unregistered alg header surfaces as unverifiable
		if errors.Is(err, jwt.ErrTokenUnverifiable) {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedAlgorithm, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	if alg := unverified.Method.Alg(); alg != allowedAlgorithm {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, alg)
	}

	kid, ok := unverified.Header["kid"].(string)
	if !ok || kid == "" {
		return nil, fmt.Errorf("%w: kid header not found", ErrMalformedToken)
	}

	key, err := v.keys.Resolve(ctx, kid)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyResolution, err)
	}

	claims := jwt.MapClaims{}
	token, err := v.parser.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (any, error) {
		if token.Method.Alg() != allowedAlgorithm {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedAlgorithm, token.Header["alg"])
		}
		return key.PublicKey, nil
	})
	if err != nil {
		return nil, classifyParseError(err)
	}
	if !token.Valid {
		return nil, ErrSignatureInvalid
	}

	return newIdentity(claims, rawToken), nil
}

// classifyParseError maps jwt validation errors onto this package's errors.
func classifyParseError(err error) error {
	switch {
	case errors.Is(err, ErrUnsupportedAlgorithm):
		return err
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return fmt.Errorf("%w: %v", ErrAudienceMismatch, err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return fmt.Errorf("%w: %v", ErrIssuerMismatch, err)
	case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenNotValidYet):
		return fmt.Errorf("%w: %v", ErrTokenExpired, err)
	default:
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
}
