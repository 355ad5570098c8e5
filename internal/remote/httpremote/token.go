package httpremote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/imroc/req/v3"
	"github.com/openmined/minisync/internal/remote"
)

var ErrNoToken = errors.New("httpremote: no access or refresh token configured")

// refresh a little before the server would reject the token
const expirySkew = 30 * time.Second

// TokenSource supplies the bearer token for each request. An empty token
// sends the request unauthenticated.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken always returns the same token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// RefreshingTokenSource holds an access/refresh token pair and exchanges the
// refresh token for a new pair when the access token is missing or about to
// expire.
type RefreshingTokenSource struct {
	client *req.Client

	mu      sync.Mutex
	access  string
	refresh string
	now     func() time.Time

	// OnRefresh, when set, receives every new pair so it can be persisted.
	OnRefresh func(access, refresh string)
}

func NewRefreshingTokenSource(serverURL, access, refresh string) *RefreshingTokenSource {
	return &RefreshingTokenSource{
		client:  newHTTPClient(serverURL, 0),
		access:  access,
		refresh: refresh,
		now:     time.Now,
	}
}

func (s *RefreshingTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.access != "" && !s.expiring(s.access) {
		return s.access, nil
	}
	if s.refresh == "" {
		if s.access != "" {
			return s.access, nil
		}
		return "", ErrNoToken
	}

	var tokens TokenResponse
	var apiErr APIError
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(&RefreshRequest{RefreshToken: s.refresh}).
		SetSuccessResult(&tokens).
		SetErrorResult(&apiErr).
		Post(RouteAuthRefresh)
	if err != nil {
		return "", remote.Classify("refresh token", err)
	}
	if resp.IsErrorState() {
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return "", remote.NewError(remote.KindAuth, "refresh token", fmt.Errorf("%w: %s", remote.ErrAuth, apiErr.Message))
		}
		return "", remote.StatusError("refresh token", resp.StatusCode, &apiErr)
	}
	if tokens.AccessToken == "" {
		return "", remote.NewError(remote.KindInvalid, "refresh token", errors.New("empty access token in response"))
	}

	s.access = tokens.AccessToken
	if tokens.RefreshToken != "" {
		s.refresh = tokens.RefreshToken
	}
	slog.Debug("access token refreshed")
	if s.OnRefresh != nil {
		s.OnRefresh(s.access, s.refresh)
	}
	return s.access, nil
}

// Invalidate drops the access token so the next Token call refreshes it.
func (s *RefreshingTokenSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refresh != "" {
		s.access = ""
	}
}

func (s *RefreshingTokenSource) expiring(token string) bool {
	exp, err := TokenExpiry(token)
	if err != nil {
		return true
	}
	if exp.IsZero() {
		return false
	}
	return s.now().Add(expirySkew).After(exp)
}

// TokenExpiry reads the exp claim without verifying the signature. A token
// without exp returns the zero time.
func TokenExpiry(token string) (time.Time, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("parse token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, nil
	}
	return claims.ExpiresAt.Time, nil
}
