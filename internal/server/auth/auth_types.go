package auth

import "errors"

var (
	ErrInvalidToken        = errors.New("invalid token")
	ErrInvalidRequestToken = errors.New("invalid request token")
	ErrInvalidAccessToken  = errors.New("invalid access token")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrVaultNotAllowed     = errors.New("token is not valid for this vault")
	ErrNoSubject           = errors.New("token subject required")
)
