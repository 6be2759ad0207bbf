package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestJWTServiceGenerateValidate(t *testing.T) {
	service := NewJWTService("secret", "agent0", time.Hour)
	token, err := service.Generate("user-1", "ws-1")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	claims, err := service.Validate(token)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if claims.Subject != "user-1" || claims.WorkspaceID != "ws-1" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestJWTServiceRejects(t *testing.T) {
	service := NewJWTService("secret", "agent0", time.Hour)

	other, _ := NewJWTService("other", "agent0", time.Hour).Generate("user-1", "")
	wrongIssuer, _ := NewJWTService("secret", "someone-else", time.Hour).Generate("user-1", "")
	expired, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "user-1",
		Issuer:    "agent0",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}}).SignedString([]byte("secret"))
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u", Issuer: "agent0"}}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	noSubject, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{Issuer: "agent0"}}).
		SignedString([]byte("secret"))

	tests := map[string]string{
		"wrong secret": other,
		"wrong issuer": wrongIssuer,
		"expired":      expired,
		"alg none":     none,
		"no subject":   noSubject,
		"garbage":      "not-a-token",
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := service.Validate(token); err != ErrInvalidToken {
				t.Fatalf("Validate() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestJWTServiceDisabled(t *testing.T) {
	var service *JWTService
	if _, err := service.Validate("x"); err != ErrAuthDisabled {
		t.Fatalf("Validate() error = %v", err)
	}
	if _, err := NewJWTService("", "", 0).Generate("u", ""); err != ErrAuthDisabled {
		t.Fatalf("Generate() error = %v", err)
	}
}
