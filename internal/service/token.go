package service

import (
	"errors"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Roles carried in the "role" claim.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// DefaultTokenTTL is used when GenerateToken is given a zero ttl.
const DefaultTokenTTL = 7 * 24 * time.Hour

var ErrInvalidToken = errors.New("invalid token")

// TokenClaims is the identity extracted from a valid token.
type TokenClaims struct {
	UserID uuid.UUID
	Role   string
}

// IsAdmin reports whether the token may trigger runs and record prices.
func (c TokenClaims) IsAdmin() bool {
	return c.Role == RoleAdmin
}

func jwtSecret() []byte {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "dev-secret-change-in-production"
	}
	return []byte(secret)
}

// GenerateTokenForTest generates a user token for a random subscriber.
func GenerateTokenForTest() (string, error) {
	return GenerateToken(uuid.New(), RoleUser, 0)
}

// GenerateToken creates a signed HS256 token for the subscriber.
func GenerateToken(userID uuid.UUID, role string, ttl time.Duration) (string, error) {
	if role == "" {
		role = RoleUser
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  userID.String(),
		"role": role,
		"exp":  now.Add(ttl).Unix(),
		"iat":  now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(jwtSecret())
}

// ValidateToken parses and validates a token string.
// Tokens without a role claim are treated as plain users.
func ValidateToken(tokenString string) (TokenClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return jwtSecret(), nil
	})
	if err != nil || !token.Valid {
		return TokenClaims{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return TokenClaims{}, ErrInvalidToken
	}

	sub, _ := claims["sub"].(string)
	userID, err := uuid.Parse(sub)
	if err != nil || userID == uuid.Nil {
		return TokenClaims{}, errors.New("invalid user id in token")
	}

	role, _ := claims["role"].(string)
	if role == "" {
		role = RoleUser
	}

	return TokenClaims{UserID: userID, Role: role}, nil
}
