package vault

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/openmined/minisync/internal/blob"
	"github.com/openmined/minisync/internal/hasher"
	"github.com/openmined/minisync/internal/history"
	"github.com/openmined/minisync/internal/remote"
	"github.com/openmined/minisync/internal/remote/fsremote"
	"github.com/openmined/minisync/internal/remote/httpremote"
	"github.com/openmined/minisync/internal/server/handlers/api"
	"github.com/openmined/minisync/internal/server/vaults"
	"github.com/openmined/minisync/internal/utils"
)

const (
	maxBlobSize     = 256 << 20 // 256 MiB
	maxManifestSize = 64 << 20
	maxPushSize     = 64 << 20
)

// Notifier is told about every accepted push.
type Notifier interface {
	NotifyVault(vaultID string, msg *httpremote.Notification) int
}

type VaultHandler struct {
	store    *vaults.Store
	notifier Notifier
}

func New(store *vaults.Store, notifier Notifier) *VaultHandler {
	return &VaultHandler{store: store, notifier: notifier}
}

func (h *VaultHandler) provider(ctx *gin.Context) (*fsremote.Provider, bool) {
	p, err := h.store.Get(ctx.Param("vault"))
	if err != nil {
		api.AbortWithError(ctx, http.StatusBadRequest, httpremote.CodeInvalidRequest, err)
		return nil, false
	}
	return p, true
}

func (h *VaultHandler) PullHistory(ctx *gin.Context) {
	p, ok := h.provider(ctx)
	if !ok {
		return
	}

	limit := httpremote.DefaultPageSize
	if raw := ctx.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			api.AbortWithError(ctx, http.StatusBadRequest, httpremote.CodeInvalidRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = min(n, httpremote.MaxPageSize)
	}

	var cursor *remote.Cursor
	if raw := ctx.Query("cursor"); raw != "" {
		cursor = &remote.Cursor{Value: raw}
		if _, _, valid := remote.ParseCursor(cursor); !valid {
			api.AbortWithError(ctx, http.StatusBadRequest, httpremote.CodeInvalidRequest, fmt.Errorf("invalid cursor %q", raw))
			return
		}
	}

	res, err := p.ReadPage(ctx, cursor, limit)
	if err != nil {
		api.AbortWithRemoteError(ctx, err)
		return
	}
	if res.Events == nil {
		res.Events = []history.ChangeEvent{}
	}
	ctx.PureJSON(http.StatusOK, res)
}

func (h *VaultHandler) PushHistory(ctx *gin.Context) {
	p, ok := h.provider(ctx)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxPushSize+1))
	if err != nil {
		api.AbortWithError(ctx, http.StatusBadRequest, httpremote.CodeInvalidRequest, err)
		return
	}
	if len(body) > maxPushSize {
		api.AbortWithError(ctx, http.StatusRequestEntityTooLarge, httpremote.CodeInvalidRequest, errors.New("push too large"))
		return
	}

	var req httpremote.PushRequest
	if err := utils.JSONUnmarshal(body, &req); err != nil {
		api.AbortWithError(ctx, http.StatusBadRequest, httpremote.CodeInvalidRequest, fmt.Errorf("failed to decode events: %w", err))
		return
	}
	for _, e := range req.Events {
		if err := e.Validate(); err != nil {
			api.AbortWithError(ctx, http.StatusBadRequest, httpremote.CodeInvalidRequest, err)
			return
		}
	}

	if err := p.PushHistoryEvents(ctx, req.Events); err != nil {
		api.AbortWithRemoteError(ctx, err)
		return
	}

	vaultID := ctx.Param("vault")
	slog.Info("history push", "vault", vaultID, "user", ctx.GetString("user"), "events", len(req.Events))
	if h.notifier != nil && len(req.Events) > 0 {
		h.notifier.NotifyVault(vaultID, &httpremote.Notification{Type: httpremote.NotificationHistory})
	}

	ctx.PureJSON(http.StatusOK, &httpremote.PushResponse{Accepted: len(req.Events)})
}

func (h *VaultHandler) HeadBlob(ctx *gin.Context) {
	p, ok := h.provider(ctx)
	if !ok {
		return
	}
	found, err := p.HasBlob(ctx, ctx.Param("hash"))
	if err != nil {
		api.AbortWithRemoteError(ctx, err)
		return
	}
	if !found {
		ctx.Status(http.StatusNotFound)
		return
	}
	ctx.Status(http.StatusOK)
}

func (h *VaultHandler) PutBlob(ctx *gin.Context) {
	p, ok := h.provider(ctx)
	if !ok {
		return
	}
	hash := ctx.Param("hash")
	if !blob.ValidHash(hash) {
		api.AbortWithError(ctx, http.StatusBadRequest, httpremote.CodeInvalidRequest, blob.ErrInvalidHash)
		return
	}

	data, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxBlobSize+1))
	if err != nil {
		api.AbortWithError(ctx, http.StatusBadRequest, httpremote.CodeInvalidRequest, err)
		return
	}
	if len(data) > maxBlobSize {
		api.AbortWithError(ctx, http.StatusRequestEntityTooLarge, httpremote.CodeInvalidRequest, errors.New("blob too large"))
		return
	}
	// content addressing is enforced here, not trusted from the client
	if got := hasher.HashBytes(data); got.Value != hash {
		api.AbortWithError(ctx, http.StatusBadRequest, httpremote.CodeInvalidRequest, fmt.Errorf("blob content hashes to %s", got.Short()))
		return
	}

	if err := p.PutBlob(ctx, hash, data); err != nil {
		api.AbortWithRemoteError(ctx, err)
		return
	}
	ctx.Status(http.StatusNoContent)
}

func (h *VaultHandler) GetBlob(ctx *gin.Context) {
	p, ok := h.provider(ctx)
	if !ok {
		return
	}
	data, err := p.GetBlob(ctx, ctx.Param("hash"))
	if err != nil {
		api.AbortWithRemoteError(ctx, err)
		return
	}
	ctx.Data(http.StatusOK, httpremote.ContentTypeBinary, data)
}

func (h *VaultHandler) ListSnapshots(ctx *gin.Context) {
	p, ok := h.provider(ctx)
	if !ok {
		return
	}
	ids, err := p.ListSnapshots(ctx)
	if err != nil {
		api.AbortWithRemoteError(ctx, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	ctx.PureJSON(http.StatusOK, &httpremote.SnapshotList{IDs: ids})
}

func (h *VaultHandler) PutSnapshot(ctx *gin.Context) {
	p, ok := h.provider(ctx)
	if !ok {
		return
	}
	data, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxManifestSize+1))
	if err != nil {
		api.AbortWithError(ctx, http.StatusBadRequest, httpremote.CodeInvalidRequest, err)
		return
	}
	if len(data) > maxManifestSize {
		api.AbortWithError(ctx, http.StatusRequestEntityTooLarge, httpremote.CodeInvalidRequest, errors.New("manifest too large"))
		return
	}
	if err := p.PutSnapshotManifest(ctx, ctx.Param("id"), data); err != nil {
		api.AbortWithRemoteError(ctx, err)
		return
	}
	ctx.Status(http.StatusNoContent)
}

func (h *VaultHandler) GetSnapshot(ctx *gin.Context) {
	p, ok := h.provider(ctx)
	if !ok {
		return
	}
	data, err := p.GetSnapshotManifest(ctx, ctx.Param("id"))
	if err != nil {
		api.AbortWithRemoteError(ctx, err)
		return
	}
	ctx.Data(http.StatusOK, "application/json", data)
}
