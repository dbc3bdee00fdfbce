package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/c-pro/geche"
	"github.com/golang-jwt/jwt/v5"
)

const (
	DefaultTokenExpiry = 15 * time.Minute
	// Revoked tokens are remembered at least this long; longer lived
	// tokens should not be issued.
	DefaultRevocationTTL = 24 * time.Hour
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrRevokedToken = errors.New("token revoked")
	ErrMissingToken = errors.New("missing token")
)

type Config struct {
	Secret        string        `json:"secret"`
	Algorithm     string        `json:"algorithm"`
	TokenExpiry   time.Duration `json:"tokenExpiry"`
	RevocationTTL time.Duration `json:"revocationTtl"`
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}
	if _, err := signingMethod(c.Algorithm); err != nil {
		return err
	}
	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}
	if c.RevocationTTL == 0 {
		c.RevocationTTL = DefaultRevocationTTL
	}
	return nil
}

// Verifier checks bearer tokens minted by the account service and maps
// them to user ids. It never sees passwords.
type Verifier struct {
	Config
	method  jwt.SigningMethod
	revoked geche.Geche[string, struct{}]
	now     func() time.Time
}

func NewVerifier(ctx context.Context, config Config) (*Verifier, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	method, _ := signingMethod(config.Algorithm)
	return &Verifier{
		Config:  config,
		method:  method,
		revoked: geche.NewMapTTLCache[string, struct{}](ctx, config.RevocationTTL, time.Minute),
		now:     time.Now,
	}, nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Verify returns the user id carried by a valid, unexpired, unrevoked token.
func (v *Verifier) Verify(token string) (int64, error) {
	if token == "" {
		return 0, ErrMissingToken
	}
	if _, err := v.revoked.Get(hashToken(token)); err == nil {
		return 0, ErrRevokedToken
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{v.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	claims := jwt.MapClaims{}
	if _, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(v.Secret), nil
	}); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	userID, err := userIDFromClaims(claims)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return userID, nil
}

// Revoke rejects the token in future Verify calls. Used for forced logout.
func (v *Verifier) Revoke(token string) {
	v.revoked.Set(hashToken(token), struct{}{})
}

// Issue mints a token for a user. The gateway never calls it; it exists for
// operator tooling and tests.
func (v *Verifier) Issue(userID int64) (string, time.Time, error) {
	now := v.now()
	exp := now.Add(v.TokenExpiry)
	claims := jwt.MapClaims{
		"user_id": userID,
		"sub":     strconv.FormatInt(userID, 10),
		"iat":     now.Unix(),
		"exp":     exp.Unix(),
	}
	signed, err := jwt.NewWithClaims(v.method, claims).SignedString([]byte(v.Secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// userIDFromClaims prefers the numeric user_id claim and falls back to sub.
// Ids must be positive integers.
func userIDFromClaims(claims jwt.MapClaims) (int64, error) {
	var (
		id  int64
		err error
	)
	switch raw := claims["user_id"].(type) {
	case float64:
		if raw != math.Trunc(raw) || math.Abs(raw) >= 1<<63 {
			return 0, errors.New("user_id is not an integer")
		}
		id = int64(raw)
	case json.Number:
		id, err = raw.Int64()
	case string:
		id, err = strconv.ParseInt(raw, 10, 64)
	default:
		sub, subErr := claims.GetSubject()
		if subErr != nil || sub == "" {
			return 0, errors.New("token has no user")
		}
		id, err = strconv.ParseInt(sub, 10, 64)
	}
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, fmt.Errorf("user id %d is not positive", id)
	}
	return id, nil
}

func signingMethod(alg string) (jwt.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwt.SigningMethodHS256, nil
	case "HS384":
		return jwt.SigningMethodHS384, nil
	case "HS512":
		return jwt.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("unsupported alg: %s (use HS256/HS384/HS512)", alg)
	}
}
