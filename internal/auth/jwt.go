package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/kashyap2306/dlxtrade-ws-sub001/config"

	"github.com/golang-jwt/jwt/v5"
)

const audience = "autotrade-api"

// JWTManager handles JWT token operations
type JWTManager struct {
	secret              []byte
	issuer              string
	accessTokenDuration time.Duration
}

// Claims represents the JWT claims
type Claims struct {
	UserClaims
	jwt.RegisteredClaims
}

// NewJWTManager creates a new JWT manager
func NewJWTManager(cfg config.AuthConfig) (*JWTManager, error) {
	if len(cfg.JWTSecret) < 32 {
		return nil, errors.New("jwt secret must be at least 32 characters")
	}
	issuer := cfg.Issuer
	if issuer == "" {
		issuer = "autotrade"
	}
	duration := cfg.AccessTokenDuration
	if duration <= 0 {
		duration = 15 * time.Minute
	}
	return &JWTManager{
		secret:              []byte(cfg.JWTSecret),
		issuer:              issuer,
		accessTokenDuration: duration,
	}, nil
}

// GenerateAccessToken generates a new access token
func (m *JWTManager) GenerateAccessToken(claims UserClaims) (string, error) {
	return m.generate(claims, m.accessTokenDuration)
}

// GenerateToken issues a token with an explicit lifetime, used by the admin CLI
func (m *JWTManager) GenerateToken(claims UserClaims, ttl time.Duration) (*TokenResponse, error) {
	if ttl <= 0 {
		ttl = m.accessTokenDuration
	}
	token, err := m.generate(claims, ttl)
	if err != nil {
		return nil, err
	}
	return &TokenResponse{
		AccessToken: token,
		ExpiresIn:   int64(ttl.Seconds()),
		TokenType:   "Bearer",
	}, nil
}

func (m *JWTManager) generate(claims UserClaims, ttl time.Duration) (string, error) {
	if claims.UserID == "" {
		return "", errors.New("user id is required")
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserClaims: claims,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    m.issuer,
			Audience:  []string{audience},
		},
	})

	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateAccessToken validates an access token and returns the claims
func (m *JWTManager) ValidateAccessToken(tokenString string) (*UserClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithIssuer(m.issuer), jwt.WithAudience(audience))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return &claims.UserClaims, nil
}

// GetAccessTokenDuration returns the access token duration in seconds
func (m *JWTManager) GetAccessTokenDuration() int64 {
	return int64(m.accessTokenDuration.Seconds())
}
