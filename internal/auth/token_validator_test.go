package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/ledger"
	"github.com/golang-jwt/jwt/v5"
)

const (
	testSigningSecret = "secret"
	testIssuer        = "ledgersync"
	testUserID        = "user-123"
)

func newTestValidator(t *testing.T, clockNow time.Time) *TokenValidator {
	t.Helper()
	validator, err := NewTokenValidator(TokenValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		Clock: func() time.Time {
			return clockNow
		},
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return validator
}

func signTestToken(t *testing.T, claims ActorClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestTokenValidatorValidateToken(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, clockNow)

	signed := signTestToken(t, ActorClaims{
		UserID:   testUserID,
		Username: "ada",
		Role:     "Admin",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   testUserID,
			IssuedAt:  jwt.NewNumericDate(clockNow.Add(-time.Minute)),
			NotBefore: jwt.NewNumericDate(clockNow.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(clockNow.Add(time.Hour)),
		},
	})

	claims, err := validator.ValidateToken(signed)
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	actor := claims.Actor()
	if actor != (ledger.Actor{UserID: testUserID, Username: "ada", Role: ledger.RoleAdmin}) {
		t.Fatalf("unexpected actor: %#v", actor)
	}
}

func TestTokenValidatorRejectsInvalidTokens(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, clockNow)

	testCases := []struct {
		name     string
		claims   ActorClaims
		expected error
	}{
		{
			name: "expired",
			claims: ActorClaims{UserID: testUserID, RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    testIssuer,
				ExpiresAt: jwt.NewNumericDate(clockNow.Add(-time.Hour)),
			}},
			expected: ErrExpiredToken,
		},
		{
			name: "foreign issuer",
			claims: ActorClaims{UserID: testUserID, RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    "someone-else",
				ExpiresAt: jwt.NewNumericDate(clockNow.Add(time.Hour)),
			}},
			expected: ErrInvalidToken,
		},
		{
			name: "missing user",
			claims: ActorClaims{RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    testIssuer,
				ExpiresAt: jwt.NewNumericDate(clockNow.Add(time.Hour)),
			}},
			expected: ErrMissingActorSubject,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := validator.ValidateToken(signTestToken(t, testCase.claims))
			if !errors.Is(err, testCase.expected) {
				t.Fatalf("expected %v, got %v", testCase.expected, err)
			}
		})
	}

	if _, err := validator.ValidateToken("not-a-jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token error, got %v", err)
	}
}

func TestTokenValidatorValidateRequestUsesBearerHeader(t *testing.T) {
	clockNow := time.Now()
	validator := newTestValidator(t, clockNow)

	signed := signTestToken(t, ActorClaims{
		UserID: testUserID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			ExpiresAt: jwt.NewNumericDate(clockNow.Add(time.Hour)),
		},
	})

	request := httptest.NewRequest(http.MethodGet, "/sync/pull", http.NoBody)
	request.Header.Set("Authorization", "Bearer "+signed)

	claims, err := validator.ValidateRequest(request)
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}
	if claims.Actor().Role != ledger.RoleUser {
		t.Fatalf("expected default user role, got %q", claims.Actor().Role)
	}

	missing := httptest.NewRequest(http.MethodGet, "/sync/pull", http.NoBody)
	if _, err := validator.ValidateRequest(missing); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestNewTokenValidatorRequiresConfiguration(t *testing.T) {
	if _, err := NewTokenValidator(TokenValidatorConfig{Issuer: testIssuer}); !errors.Is(err, ErrMissingSigningKey) {
		t.Fatalf("expected missing key error, got %v", err)
	}
	if _, err := NewTokenValidator(TokenValidatorConfig{SigningSecret: []byte("x")}); !errors.Is(err, ErrMissingIssuer) {
		t.Fatalf("expected missing issuer error, got %v", err)
	}
}
