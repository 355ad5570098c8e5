package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AuthService issues and validates the bearer tokens of minisync-server.
// Tokens are minted by the operator (`minisync-server token`) and rotated by
// clients through the refresh endpoint.
type AuthService struct {
	config *Config
	now    func() time.Time
}

func NewAuthService(config *Config) *AuthService {
	return &AuthService{
		config: config,
		now:    time.Now,
	}
}

func (s *AuthService) IsEnabled() bool {
	return s.config.Enabled
}

// IssueTokens mints a new access/refresh pair for subject, limited to vaults
// when any are given.
func (s *AuthService) IssueTokens(subject string, vaults []string) (accessToken string, refreshToken string, err error) {
	if subject == "" {
		return "", "", ErrNoSubject
	}
	return s.generateTokenPair(subject, vaults)
}

func (s *AuthService) RefreshToken(ctx context.Context, oldRefreshToken string) (string, string, error) {
	if oldRefreshToken == "" {
		return "", "", ErrInvalidRequestToken
	}

	claims, err := s.ValidateRefreshToken(ctx, oldRefreshToken)
	if err != nil {
		return "", "", fmt.Errorf("failed to refresh token pair: %w", err)
	}

	// maybe persist the refresh token id for revocation
	accessToken, refreshToken, err := s.generateTokenPair(claims.Subject, claims.Vaults)
	if err != nil {
		return "", "", fmt.Errorf("failed to refresh token pair: %w", err)
	}
	slog.Debug("token pair refreshed", "subject", claims.Subject)

	return accessToken, refreshToken, nil
}

func (s *AuthService) ValidateAccessToken(ctx context.Context, accessToken string) (*Claims, error) {
	return s.validate(accessToken, s.config.AccessTokenSecret, AccessToken, ErrInvalidAccessToken)
}

func (s *AuthService) ValidateRefreshToken(ctx context.Context, refreshToken string) (*Claims, error) {
	return s.validate(refreshToken, s.config.RefreshTokenSecret, RefreshToken, ErrInvalidRefreshToken)
}

func (s *AuthService) validate(token, secret string, want AuthTokenType, sentinel error) (*Claims, error) {
	if token == "" {
		return nil, sentinel
	}

	claims, err := ParseClaims(token, secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", sentinel, err)
	}

	if claims.Type != want {
		return nil, fmt.Errorf("%w: wrong token type got %q", sentinel, claims.Type)
	}

	return claims, nil
}

func (s *AuthService) generateTokenPair(subject string, vaults []string) (accessToken string, refreshToken string, err error) {
	accessToken, err = s.newToken(subject, vaults, s.config.AccessTokenSecret, s.config.AccessTokenExpiry, AccessToken)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate access token: %w", err)
	}

	refreshToken, err = s.newToken(subject, vaults, s.config.RefreshTokenSecret, s.config.RefreshTokenExpiry, RefreshToken)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate refresh token: %w", err)
	}

	return accessToken, refreshToken, nil
}

func (s *AuthService) newToken(subject string, vaults []string, jwtSecret string, expiry time.Duration, tokenType AuthTokenType) (string, error) {
	now := s.now()
	var expiryTime *jwt.NumericDate
	if expiry > 0 {
		expiryTime = jwt.NewNumericDate(now.Add(expiry))
	}

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   subject,
			Issuer:    s.config.TokenIssuer,
			ExpiresAt: expiryTime,
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Type:   tokenType,
		Vaults: vaults,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(jwtSecret))
}
