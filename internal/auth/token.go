package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// Claims identify the caller of the API. Subject is the stable user id.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

func IssueToken(secret []byte, userID, name string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("issue token: empty subject")
	}
	now := time.Now()
	claims := Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func ParseToken(secret []byte, token string) (Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, ErrInvalidToken
	}
	if !parsed.Valid || claims.Subject == "" || slices.Contains(claims.Audience, linkGrantAudience) {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

// linkGrantAudience marks tokens that stand for one redemption of a review
// link. They never authenticate a user.
const linkGrantAudience = "review-link"

// IssueLinkGrant signs a short-lived grant bound to linkID. It is handed out
// when a link is redeemed and lets that holder keep commenting after a
// single-use link is spent.
func IssueLinkGrant(secret []byte, linkID string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(linkID) == "" {
		return "", fmt.Errorf("issue link grant: empty link id")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   linkID,
		Audience:  jwt.ClaimStrings{linkGrantAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign link grant: %w", err)
	}
	return signed, nil
}

// ParseLinkGrant returns the link id a grant was issued for.
func ParseLinkGrant(secret []byte, token string) (string, error) {
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired(), jwt.WithAudience(linkGrantAudience))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", ErrInvalidToken
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// HashToken returns the hex SHA-256 of value. Review link tokens are stored
// and looked up by this hash only.
func HashToken(value string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(value)))
}

// NewOpaqueToken returns a URL-safe token carrying 256 bits of randomness.
func NewOpaqueToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
