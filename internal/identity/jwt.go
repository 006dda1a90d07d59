package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims carried by gateway tokens. Subject is the identity id.
type Claims struct {
	Bot bool `json:"bot,omitempty"`
	jwt.RegisteredClaims
}

// JWT validates HMAC-SHA256 signed tokens. Bot tokens may carry the
// conventional "Bot " prefix.
type JWT struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewJWT(secret []byte, issuer string) (*JWT, error) {
	if len(secret) == 0 {
		return nil, errors.New("identity: jwt secret required")
	}
	return &JWT{secret: secret, issuer: issuer, now: time.Now}, nil
}

func (v *JWT) Validate(ctx context.Context, token string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, errors.Join(ErrUnavailable, err)
	}
	raw := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bot "))
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return Identity{}, fmt.Errorf("%w: invalid claims", ErrUnauthorized)
	}
	return Identity{ID: claims.Subject, Bot: claims.Bot}, nil
}

// Sign issues a token for id. The gateway never calls it; it exists for
// tooling and tests that need tokens the validator accepts.
func (v *JWT) Sign(id Identity, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		Bot: id.Bot,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
