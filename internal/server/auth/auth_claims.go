package auth

import (
	"slices"

	"github.com/golang-jwt/jwt/v5"
)

type AuthTokenType string

const (
	AccessToken  AuthTokenType = "access"
	RefreshToken AuthTokenType = "refresh"
)

type Claims struct {
	Type AuthTokenType `json:"type"`
	// Vaults restricts the token to these vault ids. Empty allows every vault.
	Vaults []string `json:"vaults,omitempty"`
	jwt.RegisteredClaims
}

// AllowsVault reports whether the token may be used against vaultID.
func (c *Claims) AllowsVault(vaultID string) bool {
	return len(c.Vaults) == 0 || slices.Contains(c.Vaults, vaultID)
}

func ParseClaims(tokenString, jwtSecret string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		return []byte(jwtSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	if err != nil {
		return nil, err
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
