package jwt

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "reservation-core-test-secret-0123456789"

// sign builds a token by hand so tests can produce shapes the identity
// service would never issue.
func sign(t *testing.T, method jwt.SigningMethod, key interface{}, claims Claims) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return raw
}

func registered(issued time.Time, ttl time.Duration) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(issued),
		ExpiresAt: jwt.NewNumericDate(issued.Add(ttl)),
	}
}

func TestGenerateAndValidate(t *testing.T) {
	svc := NewService(testSecret, time.Hour)
	seller := uuid.New()

	raw, err := svc.GenerateAccessToken(seller, []string{"seller", "buyer"})
	require.NoError(t, err)

	claims, err := svc.ValidateAccessToken(raw)
	require.NoError(t, err)
	assert.Equal(t, seller, claims.UserID)
	assert.Equal(t, AccessToken, claims.TokenType)
	assert.Equal(t, DefaultIssuer, claims.Issuer)
	assert.Equal(t, seller.String(), claims.Subject)
	assert.Equal(t, []string{"seller", "buyer"}, claims.Roles)
}

func TestValidateAccessToken_Rejects(t *testing.T) {
	svc := NewService(testSecret, time.Hour)
	now := time.Now()
	buyer := uuid.New()

	tests := []struct {
		name    string
		token   func(t *testing.T) string
		wantErr error
	}{
		{
			name:  "garbage",
			token: func(*testing.T) string { return "invalid.token.here" },
		},
		{
			name: "foreign secret",
			token: func(t *testing.T) string {
				raw, err := NewService("another-secret", time.Hour).GenerateAccessToken(buyer, nil)
				require.NoError(t, err)
				return raw
			},
			wantErr: jwt.ErrTokenSignatureInvalid,
		},
		{
			name: "hs512 is not accepted",
			token: func(t *testing.T) string {
				return sign(t, jwt.SigningMethodHS512, []byte(testSecret), Claims{
					UserID: buyer, TokenType: AccessToken, RegisteredClaims: registered(now, time.Hour),
				})
			},
			wantErr: jwt.ErrTokenSignatureInvalid,
		},
		{
			name: "expired beyond skew",
			token: func(t *testing.T) string {
				return sign(t, jwt.SigningMethodHS256, []byte(testSecret), Claims{
					UserID: buyer, TokenType: AccessToken, RegisteredClaims: registered(now.Add(-2*time.Hour), time.Hour),
				})
			},
			wantErr: jwt.ErrTokenExpired,
		},
		{
			name: "refresh token",
			token: func(t *testing.T) string {
				return sign(t, jwt.SigningMethodHS256, []byte(testSecret), Claims{
					UserID: buyer, TokenType: TokenType("refresh"), RegisteredClaims: registered(now, time.Hour),
				})
			},
			wantErr: ErrWrongTokenType,
		},
		{
			name: "no user",
			token: func(t *testing.T) string {
				raw, err := svc.GenerateAccessToken(uuid.Nil, nil)
				require.NoError(t, err)
				return raw
			},
			wantErr: ErrMissingUser,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := svc.ValidateAccessToken(tt.token(t))
			require.Error(t, err)
			assert.Nil(t, claims)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			}
		})
	}
}

func TestValidateAccessToken_ToleratesClockSkew(t *testing.T) {
	svc := NewService(testSecret, time.Hour)
	raw := sign(t, jwt.SigningMethodHS256, []byte(testSecret), Claims{
		UserID:           uuid.New(),
		TokenType:        AccessToken,
		RegisteredClaims: registered(time.Now().Add(-time.Hour-10*time.Second), time.Hour),
	})

	_, err := svc.ValidateAccessToken(raw)
	assert.NoError(t, err)
}

// Only a correctly signed token that has run out may be reported as expired,
// so clients are told to refresh instead of to sign in again.
func TestValidateAccessToken_ExpiredClassification(t *testing.T) {
	svc := NewService(testSecret, time.Hour)
	buyer := uuid.New()
	stale := registered(time.Now().Add(-2*time.Hour), time.Hour)

	tests := []struct {
		name    string
		token   string
		expired bool
	}{
		{"expired and correctly signed", sign(t, jwt.SigningMethodHS256, []byte(testSecret), Claims{UserID: buyer, TokenType: AccessToken, RegisteredClaims: stale}), true},
		{"expired with foreign signature", sign(t, jwt.SigningMethodHS256, []byte("identity-staging"), Claims{UserID: buyer, TokenType: AccessToken, RegisteredClaims: stale}), false},
		{"garbage", "invalid.token.here", false},
		{"not a jwt", "bearer-token", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.ValidateAccessToken(tt.token)
			require.Error(t, err)
			assert.Equal(t, tt.expired, errors.Is(err, ErrTokenExpired), "got %v", err)
		})
	}
}

func TestConcurrentValidation(t *testing.T) {
	svc := NewService(testSecret, time.Hour)

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			raw, err := svc.GenerateAccessToken(uuid.New(), []string{"buyer"})
			if err == nil {
				_, err = svc.ValidateAccessToken(raw)
			}
			if err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}
