package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key"

func TestJWTService_RoundTrip(t *testing.T) {
	svc := NewJWTService(testSecret, "events-api", time.Hour)

	token, err := svc.GenerateToken("user-123", "alice@example.com")
	require.NoError(t, err)

	claims, err := svc.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-123", claims.UserID)
	assert.Equal(t, "alice@example.com", claims.Email)
	assert.Equal(t, "events-api", claims.Issuer)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, time.Minute)
}

func TestJWTService_DefaultTTL(t *testing.T) {
	svc := NewJWTService(testSecret, "", 0)
	assert.Equal(t, time.Hour, svc.accessDuration)
}

func TestJWTService_GenerateRequiresUserID(t *testing.T) {
	_, err := NewJWTService(testSecret, "", time.Hour).GenerateToken("", "x@example.com")
	assert.Error(t, err)
}

func TestJWTService_Rejects(t *testing.T) {
	svc := NewJWTService(testSecret, "events-api", time.Hour)

	sign := func(method jwt.SigningMethod, key any, claims jwt.MapClaims) string {
		t.Helper()
		s, err := jwt.NewWithClaims(method, claims).SignedString(key)
		require.NoError(t, err)
		return s
	}
	valid, err := svc.GenerateToken("user-123", "alice@example.com")
	require.NoError(t, err)
	parts := strings.Split(valid, ".")
	require.Len(t, parts, 3)

	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	future := time.Now().Add(time.Hour).Unix()
	tampered := func() string {
		raw, err := base64.RawURLEncoding.DecodeString(parts[1])
		require.NoError(t, err)
		var payload map[string]any
		require.NoError(t, json.Unmarshal(raw, &payload))
		payload["sub"] = "someone-else"
		out, err := json.Marshal(payload)
		require.NoError(t, err)
		return parts[0] + "." + base64.RawURLEncoding.EncodeToString(out) + "." + parts[2]
	}

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-valid-token"},
		{"dots only", ".."},
		{"binary", "\x00\x01\x02"},
		{"oversized", strings.Repeat("A", 10000)},
		{"bearer prefix kept", "Bearer " + valid},
		{"stripped signature", parts[0] + "." + parts[1] + "."},
		{"tampered payload", tampered()},
		{"alg none", base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`)) + "." +
			base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"root","exp":9999999999,"iss":"events-api"}`)) + "."},
		{"es256", sign(jwt.SigningMethodES256, ecKey, jwt.MapClaims{"sub": "root", "exp": future, "iss": "events-api"})},
		{"other secret", sign(jwt.SigningMethodHS256, []byte("other"), jwt.MapClaims{"sub": "u", "exp": future, "iss": "events-api"})},
		{"other issuer", sign(jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{"sub": "u", "exp": future, "iss": "elsewhere"})},
		{"no expiry", sign(jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{"sub": "u", "iss": "events-api"})},
		{"expired", sign(jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{"sub": "u", "exp": time.Now().Add(-time.Minute).Unix(), "iss": "events-api"})},
		{"no subject", sign(jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{"exp": future, "iss": "events-api"})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := svc.Verify(context.Background(), tt.token)
			assert.ErrorIs(t, err, ErrUnauthorized)
			assert.Nil(t, claims)
		})
	}
}

func TestJWTService_EmptySecretTokensDoNotCross(t *testing.T) {
	token, err := NewJWTService("", "", time.Hour).GenerateToken("user-1", "")
	if err != nil {
		return
	}
	_, err = NewJWTService("non-empty-secret", "", time.Hour).ValidateToken(token)
	assert.Error(t, err)
}
