package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Service issues and checks the HS256 bearer tokens the chat client
// presents. Sign-in itself happens elsewhere; the reference server only
// needs to trust its own tokens.
type Service struct {
	jwtSecret string
	tokenTTL  time.Duration
}

type Claims struct {
	UserID   string `json:"user_id"`
	FullName string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

var ErrMissingUserID = errors.New("token has no user_id")

func New(jwtSecret string) *Service {
	return NewWithTokenTTL(jwtSecret, 24*time.Hour)
}

func NewWithTokenTTL(jwtSecret string, tokenTTL time.Duration) *Service {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}

	return &Service{
		jwtSecret: jwtSecret,
		tokenTTL:  tokenTTL,
	}
}

func (s *Service) GenerateToken(userID, fullName string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", ErrMissingUserID
	}

	claims := Claims{
		UserID:   userID,
		FullName: fullName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, nil
}

func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.UserID == "" {
		return nil, ErrMissingUserID
	}

	return claims, nil
}

// BearerToken extracts the token from an "Authorization: Bearer ..."
// header value.
func BearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
