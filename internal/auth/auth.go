// Package auth verifies connection credentials and turns them into an
// Identity. Verification is pure: no state is kept between calls.
package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrUnauthorized = errors.New("unauthorized")

// Identity is immutable for the lifetime of a connection.
type Identity struct {
	ID              string   `json:"id"`
	DisplayName     string   `json:"display_name"`
	RoomMemberships []string `json:"-"`
}

func (i Identity) MemberOf(roomID string) bool {
	return slices.Contains(i.RoomMemberships, roomID)
}

type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

type claims struct {
	jwt.RegisteredClaims
	Name  string   `json:"name"`
	Rooms []string `json:"rooms"`
}

// JWTVerifier accepts HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewJWTVerifier(secret, issuer string) (*JWTVerifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("jwt secret is required")
	}
	return &JWTVerifier{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

func (v *JWTVerifier) Verify(_ context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var parsed claims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	subject := strings.TrimSpace(parsed.Subject)
	if subject == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}
	name := strings.TrimSpace(parsed.Name)
	if name == "" {
		name = subject
	}
	return Identity{
		ID:              subject,
		DisplayName:     name,
		RoomMemberships: slices.Compact(slices.Sorted(slices.Values(parsed.Rooms))),
	}, nil
}

// Sign mints a token for id. Credential issuance belongs to the auth service;
// this exists for local tooling and tests.
func (v *JWTVerifier) Sign(id Identity, ttl time.Duration) (string, error) {
	now := v.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name:  id.DisplayName,
		Rooms: id.RoomMemberships,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
