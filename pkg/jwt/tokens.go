package jwt

import (
	"errors"
	"strconv"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// Issuer is stamped into every token and required on parse.
const Issuer = "accounts"

// DefaultTTL is the token lifetime when none is configured.
const DefaultTTL = 24 * time.Hour

// ErrInvalidSubject indicates the subject claim is not a user id.
var ErrInvalidSubject = errors.New("jwt: invalid subject")

// Claims defines JWT payload. The subject carries the user id.
type Claims struct {
	jwtlib.RegisteredClaims
}

// UserID decodes the subject claim.
func (c Claims) UserID() (int64, error) {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrInvalidSubject
	}
	return id, nil
}

// GenerateToken issues a signed JWT for userID valid from now for ttl.
func GenerateToken(userID int64, secret string, ttl time.Duration, now time.Time) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	claims := Claims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// Parse validates and extracts claims from token.
func Parse(token string, secret string, opts ...jwtlib.ParserOption) (*Claims, error) {
	opts = append([]jwtlib.ParserOption{
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name}),
		jwtlib.WithIssuer(Issuer),
		jwtlib.WithExpirationRequired(),
	}, opts...)
	parsed, err := jwtlib.ParseWithClaims(token, &Claims{}, func(t *jwtlib.Token) (interface{}, error) {
		return []byte(secret), nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwtlib.ErrTokenInvalidClaims
	}
	return claims, nil
}

// Verify returns the user id carried by token as of now. Any failure,
// including expiry, yields false.
func Verify(token, secret string, now time.Time) (int64, bool) {
	claims, err := Parse(token, secret, jwtlib.WithTimeFunc(func() time.Time { return now }))
	if err != nil {
		return 0, false
	}
	id, err := claims.UserID()
	if err != nil {
		return 0, false
	}
	return id, true
}
