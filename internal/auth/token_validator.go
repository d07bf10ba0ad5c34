package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/ledger"
	"github.com/golang-jwt/jwt/v5"
)

const bearerPrefix = "bearer "

var (
	ErrMissingSigningKey   = errors.New("token validator: signing key required")
	ErrMissingIssuer       = errors.New("token validator: issuer required")
	ErrMissingToken        = errors.New("token validator: token required")
	ErrInvalidToken        = errors.New("token validator: invalid token")
	ErrExpiredToken        = errors.New("token validator: token expired")
	ErrMissingActorSubject = errors.New("token validator: user id required")
)

// ActorClaims is the JWT payload carried by sync clients and operators.
type ActorClaims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Actor converts the claims into the identity recorded in ledger transactions.
func (c ActorClaims) Actor() ledger.Actor {
	role := strings.ToLower(strings.TrimSpace(c.Role))
	if role == "" {
		role = ledger.RoleUser
	}
	return ledger.Actor{
		UserID:   strings.TrimSpace(c.UserID),
		Username: strings.TrimSpace(c.Username),
		Role:     role,
	}
}

// TokenValidatorConfig describes how to validate bearer JWTs.
type TokenValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	Clock         func() time.Time
}

// TokenValidator validates HS256 bearer JWTs.
type TokenValidator struct {
	signingSecret []byte
	issuer        string
	clock         func() time.Time
}

// NewTokenValidator constructs a validator with the provided configuration.
func NewTokenValidator(cfg TokenValidatorConfig) (*TokenValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		clock:         clock,
	}, nil
}

// ValidateToken validates the supplied JWT string and returns the parsed claims.
func (v *TokenValidator) ValidateToken(tokenString string) (ActorClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return ActorClaims{}, ErrMissingToken
	}

	claims := &ActorClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ActorClaims{}, ErrExpiredToken
		}
		return ActorClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return ActorClaims{}, ErrInvalidToken
	}
	if claims.Issuer != v.issuer {
		return ActorClaims{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.UserID) == "" {
		return ActorClaims{}, ErrMissingActorSubject
	}
	return *claims, nil
}

// ValidateRequest extracts the bearer token from the Authorization header and validates it.
func (v *TokenValidator) ValidateRequest(r *http.Request) (ActorClaims, error) {
	if r == nil {
		return ActorClaims{}, ErrMissingToken
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) <= len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return ActorClaims{}, ErrMissingToken
	}
	return v.ValidateToken(header[len(bearerPrefix):])
}
