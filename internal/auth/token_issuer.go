package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/relay/backend/internal/chat"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultTokenTTL      = 15 * time.Minute
	defaultTokenIssuer   = "relay-sync"
	defaultTokenAudience = "relay-messaging"
)

var (
	errMissingSigningSecret = errors.New("token issuer: signing secret must be provided")
	errMissingIdentity      = errors.New("token issuer: identity provider must be provided")
	errMissingSubjectClaim  = errors.New("token issuer: subject claim must be provided")
)

// TransportClaims is the handshake token payload presented to the messaging server.
type TransportClaims struct {
	UserDisplayName string `json:"user_display_name,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuerConfig configures the handshake token issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Identity      chat.IdentityProvider
	Clock         func() time.Time
}

// TokenIssuer signs short-lived handshake tokens for the acting user. It
// satisfies transport.TokenSource, so each dial gets a fresh token.
type TokenIssuer struct {
	signingSecret []byte
	issuer        string
	audience      string
	ttl           time.Duration
	identity      chat.IdentityProvider
	clock         func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	if cfg.Identity == nil {
		return nil, errMissingIdentity
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	issuer := cfg.Issuer
	if issuer == "" {
		issuer = defaultTokenIssuer
	}
	audience := cfg.Audience
	if audience == "" {
		audience = defaultTokenAudience
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		audience:      audience,
		ttl:           ttl,
		identity:      cfg.Identity,
		clock:         clock,
	}, nil
}

// Token issues a handshake token for the current user.
func (i *TokenIssuer) Token(ctx context.Context) (string, error) {
	user, ok := i.identity.CurrentUser(ctx)
	if !ok {
		return "", chat.ErrNoCurrentUser
	}
	token, _, err := i.IssueTransportToken(user)
	return token, err
}

// IssueTransportToken signs a token for user and returns it with its expiry.
func (i *TokenIssuer) IssueTransportToken(user chat.User) (string, time.Time, error) {
	if user.UserID == "" {
		return "", time.Time{}, errMissingSubjectClaim
	}
	now := i.clock().UTC()
	expiresAt := now.Add(i.ttl)
	claims := TransportClaims{
		UserDisplayName: user.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   user.UserID,
			Issuer:    i.issuer,
			Audience:  []string{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.signingSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token issuer: sign: %w", err)
	}
	return signed, expiresAt, nil
}

// ValidateToken checks a handshake token and returns its subject.
func (i *TokenIssuer) ValidateToken(tokenString string) (string, error) {
	claims := &TransportClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.signingSecret, nil
		},
		jwt.WithAudience(i.audience),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errMissingSubjectClaim
	}
	return claims.Subject, nil
}
