// Package token verifies bearer credentials and classifies them into a typed
// Identity. Two token families share the Authorization header: service-internal
// tokens (audience = internal) and end-user tokens (audience = public API), each
// signed with its own secret.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	derrors "github.com/nbploc08/backend-core-platform/pkg/domain-errors"
)

// Class tags which trust class a verified credential belongs to.
type Class string

const (
	// ClassInternal marks service-to-service credentials. Trusted by construction.
	ClassInternal Class = "internal"
	// ClassUser marks end-user credentials. Subject to permission checks.
	ClassUser Class = "user"
)

// Identity is the verified, typed result of checking a bearer credential. It is
// request-scoped: produced once by the Verifier and threaded through the call
// chain, never re-derived per consumer.
type Identity struct {
	Class Class

	// Internal class fields.
	Caller string
	Data   map[string]any

	// User class fields.
	UserID      string
	Email       string
	PermVersion int64
}

// Profile holds the verification parameters for one token family.
type Profile struct {
	Secret   string
	Issuer   string
	Audience string
}

type claims struct {
	Email       string         `json:"email,omitempty"`
	PermVersion int64          `json:"permVersion,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks bearer credentials against the two configured profiles.
type Verifier struct {
	internal Profile
	user     Profile
}

func NewVerifier(internal, user Profile) *Verifier {
	return &Verifier{internal: internal, user: user}
}

// Verify decodes and verifies a raw bearer token, returning its typed Identity.
//
// The payload is first decoded WITHOUT signature verification, strictly to read
// the audience claim: the two token families are signed with different secrets,
// so the verifier to apply can only be chosen after seeing the audience. Nothing
// from the unverified decode is trusted beyond that selection; the token is then
// fully re-verified (signature, issuer, audience, expiry) with the selected
// profile before any claim reaches the Identity.
func (v *Verifier) Verify(raw string) (Identity, error) {
	aud, err := peekAudience(raw)
	if err != nil {
		return Identity{}, derrors.New(derrors.CodeUnauthorized, "invalid token format")
	}

	var profile Profile
	var class Class
	switch aud {
	case v.internal.Audience:
		profile, class = v.internal, ClassInternal
	case v.user.Audience:
		profile, class = v.user, ClassUser
	default:
		return Identity{}, derrors.Newf(derrors.CodeUnauthorized, "unknown token audience: %s", aud)
	}

	cl, err := verifyWithProfile(raw, profile)
	if err != nil {
		return Identity{}, err
	}

	switch class {
	case ClassInternal:
		return Identity{
			Class:  ClassInternal,
			Caller: cl.Subject,
			Data:   cl.Data,
		}, nil
	default:
		if cl.Subject == "" {
			return Identity{}, derrors.New(derrors.CodeUnauthorized, "token has no subject")
		}
		return Identity{
			Class:       ClassUser,
			UserID:      cl.Subject,
			Email:       cl.Email,
			PermVersion: cl.PermVersion,
		}, nil
	}
}

// peekAudience reads the aud claim without verifying the signature.
func peekAudience(raw string) (string, error) {
	parser := jwt.NewParser()
	var rc jwt.RegisteredClaims
	if _, _, err := parser.ParseUnverified(raw, &rc); err != nil {
		return "", err
	}
	if len(rc.Audience) == 0 {
		return "", fmt.Errorf("token has no audience")
	}
	return rc.Audience[0], nil
}

func verifyWithProfile(raw string, p Profile) (*claims, error) {
	parsed, err := jwt.ParseWithClaims(raw, &claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return []byte(p.Secret), nil
	}, jwt.WithIssuer(p.Issuer), jwt.WithAudience(p.Audience), jwt.WithExpirationRequired())

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, derrors.New(derrors.CodeUnauthorized, "token has expired")
		}
		return nil, derrors.New(derrors.CodeUnauthorized, "invalid token")
	}
	if !parsed.Valid {
		return nil, derrors.New(derrors.CodeUnauthorized, "invalid token")
	}
	cl, ok := parsed.Claims.(*claims)
	if !ok {
		return nil, derrors.New(derrors.CodeUnauthorized, "invalid token claims")
	}
	return cl, nil
}

// Minter issues short-lived internal-profile tokens for service-to-service calls,
// e.g. the permission provider authenticating against the authorization source.
type Minter struct {
	profile Profile
	caller  string
	ttl     time.Duration
}

// NewMinter builds a minter that signs tokens as the named calling service.
func NewMinter(profile Profile, caller string, ttl time.Duration) *Minter {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Minter{profile: profile, caller: caller, ttl: ttl}
}

// MintInternal signs an internal token carrying an opaque data payload.
func (m *Minter) MintInternal(data map[string]any) (string, error) {
	now := time.Now()
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Data: data,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   m.caller,
			Issuer:    m.profile.Issuer,
			Audience:  []string{m.profile.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			ID:        uuid.NewString(),
		},
	})
	signed, err := t.SignedString([]byte(m.profile.Secret))
	if err != nil {
		return "", fmt.Errorf("sign internal token: %w", err)
	}
	return signed, nil
}
