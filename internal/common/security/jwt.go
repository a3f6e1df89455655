package security

import (
	"errors"
	"time"

	"github.com/go-chi/jwtauth/v5"
	"github.com/golang-jwt/jwt/v5"
)

const RoleOperator = "operator"

// TokenAuth stays nil when no JWT secret is configured; operator routes are then not mounted.
var TokenAuth *jwtauth.JWTAuth

var tokenExp time.Duration

func InitJWT(key []byte, exp time.Duration) {
	if len(key) == 0 {
		TokenAuth = nil
		return
	}
	TokenAuth = jwtauth.New("HS256", key, nil)
	tokenExp = exp
}

// GenerateToken mints an operator token; used by tooling and tests.
func GenerateToken(subject, role string) (string, error) {
	if TokenAuth == nil {
		return "", errors.New("jwt not initialized")
	}
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": role,
		"exp":  time.Now().Add(tokenExp).Unix(),
		"iat":  time.Now().Unix(),
	}
	_, tokenString, err := TokenAuth.Encode(claims)
	return tokenString, err
}

func GetSubjectFromClaims(claims jwt.MapClaims) (string, error) {
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", errors.New("sub claim is missing or not a string")
	}
	return sub, nil
}

func GetRoleFromClaims(claims jwt.MapClaims) (string, error) {
	role, ok := claims["role"].(string)
	if !ok {
		return "", errors.New("role claim is missing or not a string")
	}
	return role, nil
}
