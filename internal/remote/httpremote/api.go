package httpremote

import (
	"fmt"

	"github.com/openmined/minisync/internal/history"
)

// Routes served by minisync-server. {vault} is the vault id.
const (
	RouteHealth       = "/healthz"
	RouteAuthRefresh  = "/auth/refresh"
	RouteHistory      = "/api/v1/vaults/{vault}/history"
	RouteBlob         = "/api/v1/vaults/{vault}/blobs/{hash}"
	RouteSnapshots    = "/api/v1/vaults/{vault}/snapshots"
	RouteSnapshot     = "/api/v1/vaults/{vault}/snapshots/{id}"
	RouteNotify       = "/api/v1/vaults/{vault}/notify"
	DefaultPageSize   = 500
	MaxPageSize       = 5000
	HeaderContentType = "Content-Type"
	ContentTypeBinary = "application/octet-stream"
)

const (
	CodeInvalidRequest = "E_INVALID_REQUEST"
	CodeRateLimited    = "E_RATE_LIMITED"
	CodeInternalError  = "E_INTERNAL_ERROR"
	CodeAccessDenied   = "E_ACCESS_DENIED"
	CodeNotFound       = "E_NOT_FOUND"
	CodeAuthInvalid    = "E_AUTH_INVALID_CREDENTIALS"
	CodeRefreshFailed  = "E_AUTH_TOKEN_REFRESH_FAILED"
)

// APIError is the body of every non-2xx response.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: %s - %s", e.Code, e.Message)
}

type PushRequest struct {
	Events []history.ChangeEvent `json:"events"`
}

type PushResponse struct {
	Accepted int `json:"accepted"`
}

type SnapshotList struct {
	IDs []string `json:"ids"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type TokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Notification is sent over the notify websocket after every accepted push.
type Notification struct {
	Type   string `json:"type"`
	Cursor string `json:"cursor,omitempty"`
}

const NotificationHistory = "history"
