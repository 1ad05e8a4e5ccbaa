package services

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenRoundTrip(t *testing.T) {
	svc := NewAuthService("test-secret", time.Hour)

	token, err := svc.GenerateToken("alice", "Alice")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	claims, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.UserID != "alice" || claims.Username != "Alice" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestExpiredToken(t *testing.T) {
	svc := NewAuthService("test-secret", -time.Minute)

	token, err := svc.GenerateToken("alice", "Alice")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := svc.ValidateToken(token); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("err = %v, want ErrExpiredToken", err)
	}
}

func TestWrongSecret(t *testing.T) {
	issuer := NewAuthService("secret-a", time.Hour)
	verifier := NewAuthService("secret-b", time.Hour)

	token, _ := issuer.GenerateToken("alice", "Alice")
	if _, err := verifier.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

// Tokens minted by the account service carry only the registered subject.
func TestSubjectOnlyToken(t *testing.T) {
	secret := "shared-secret"
	raw := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	token, err := raw.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	claims, err := NewAuthService(secret, time.Hour).ValidateToken(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.UserID != "alice" {
		t.Errorf("UserID = %s, want alice (from sub)", claims.UserID)
	}
}

func TestExtractTokenPrecedence(t *testing.T) {
	svc := NewAuthService("test-secret", time.Hour)

	tests := []struct {
		name    string
		build   func() *http.Request
		want    string
		wantErr error
	}{
		{
			name: "query parameter wins",
			build: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/ws?token=from-query", nil)
				r.Header.Set("Authorization", "Bearer from-header")
				return r
			},
			want: "from-query",
		},
		{
			name: "authorization header",
			build: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/ws", nil)
				r.Header.Set("Authorization", "Bearer from-header")
				return r
			},
			want: "from-header",
		},
		{
			name: "malformed authorization header",
			build: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/ws", nil)
				r.Header.Set("Authorization", "from-header")
				return r
			},
			wantErr: ErrInvalidToken,
		},
		{
			name: "cookie fallback",
			build: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/ws", nil)
				r.AddCookie(&http.Cookie{Name: "token", Value: "from-cookie"})
				return r
			},
			want: "from-cookie",
		},
		{
			name: "no token",
			build: func() *http.Request {
				return httptest.NewRequest(http.MethodGet, "/ws", nil)
			},
			wantErr: ErrNoToken,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := svc.ExtractToken(tt.build())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("token = %q, want %q", got, tt.want)
			}
		})
	}
}
