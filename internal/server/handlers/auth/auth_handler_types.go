package auth

// RefreshRequest is the request for a new token pair.
type RefreshRequest struct {
	OldRefreshToken string `json:"refreshToken" binding:"required"`
}

// RefreshResponse carries the rotated token pair.
type RefreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}
