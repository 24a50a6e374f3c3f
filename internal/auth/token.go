package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken covers malformed, expired, or mis-signed credentials.
var ErrInvalidToken = errors.New("invalid token")

// Tokens issues and resolves the opaque credentials presented at the
// websocket handshake. Tokens are HS256 JWTs whose subject is the user id.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	nowFn  func() time.Time
}

// NewTokens builds a token authority with the given signing secret and
// lifetime.
func NewTokens(secret []byte, ttl time.Duration) (*Tokens, error) {
	if len(secret) == 0 {
		return nil, errors.New("token secret is required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Tokens{secret: secret, ttl: ttl, nowFn: time.Now}, nil
}

// Issue mints a signed credential for the given user id.
func (t *Tokens) Issue(userID string) (string, error) {
	now := t.nowFn()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Subject validates a credential and returns the user id it was issued for.
func (t *Tokens) Subject(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(tk *jwt.Token) (any, error) {
		if _, ok := tk.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tk.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.nowFn))
	if err != nil || !parsed.Valid {
		return "", ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// Resolver maps a presented credential to a live account. It is the single
// authentication gate for both REST calls and websocket attaches.
type Resolver struct {
	tokens *Tokens
	users  *FileStore
}

// NewResolver wires the token authority to the account store.
func NewResolver(tokens *Tokens, users *FileStore) *Resolver {
	return &Resolver{tokens: tokens, users: users}
}

// Resolve validates the credential and returns the owning account.
func (r *Resolver) Resolve(credential string) (User, error) {
	subject, err := r.tokens.Subject(credential)
	if err != nil {
		return User{}, err
	}
	user, err := r.users.ByID(subject)
	if err != nil {
		return User{}, ErrInvalidToken
	}
	return user, nil
}
