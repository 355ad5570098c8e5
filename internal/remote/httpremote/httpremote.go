package httpremote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/imroc/req/v3"
	"github.com/openmined/minisync/internal/blob"
	"github.com/openmined/minisync/internal/history"
	"github.com/openmined/minisync/internal/remote"
	"github.com/openmined/minisync/internal/utils"
	"github.com/openmined/minisync/internal/version"
)

const (
	ProviderName   = "http"
	defaultTimeout = 60 * time.Second
)

var (
	ErrNoServerURL = errors.New("httpremote: server url missing or invalid")
	ErrNoVaultID   = errors.New("httpremote: vault id required")
)

var _ remote.Provider = (*Provider)(nil)

type Config struct {
	ServerURL string
	VaultID   string
	// Tokens authenticates requests. Nil sends them unauthenticated.
	Tokens TokenSource
	// PageSize bounds the events returned per pull. Zero uses DefaultPageSize.
	PageSize int
	Timeout  time.Duration
}

func (c *Config) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrNoServerURL
	}
	if c.VaultID == "" {
		return ErrNoVaultID
	}
	if c.PageSize < 0 || c.PageSize > MaxPageSize {
		return fmt.Errorf("httpremote: page size must be between 0 and %d", MaxPageSize)
	}
	return nil
}

// Provider talks to a minisync-server. Every call maps onto one route; pulls
// are paginated and report More while the server has further pages.
type Provider struct {
	serverURL string
	vaultID   string
	pageSize  int
	tokens    TokenSource
	client    *req.Client
}

func New(cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Tokens == nil {
		cfg.Tokens = StaticToken("")
	}
	return &Provider{
		serverURL: cfg.ServerURL,
		vaultID:   cfg.VaultID,
		pageSize:  cfg.PageSize,
		tokens:    cfg.Tokens,
		client:    newHTTPClient(cfg.ServerURL, cfg.Timeout),
	}, nil
}

func newHTTPClient(baseURL string, timeout time.Duration) *req.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	// retries belong to remote.WithRetry, not the transport
	return req.C().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetUserAgent(version.UserAgent()).
		SetJsonMarshal(utils.JSONMarshal).
		SetJsonUnmarshal(utils.JSONUnmarshal)
}

func (p *Provider) Namespace() string {
	return remote.NamespaceKey(ProviderName, p.serverURL, p.vaultID)
}

func (p *Provider) PushHistoryEvents(ctx context.Context, events []history.ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}
	_, err := p.do(ctx, "push", http.MethodPost, RouteHistory, func(r *req.Request) {
		r.SetBody(&PushRequest{Events: events})
	})
	return err
}

func (p *Provider) PullHistoryEvents(ctx context.Context, cursor *remote.Cursor) (*remote.PullResult, error) {
	var res remote.PullResult
	_, err := p.do(ctx, "pull", http.MethodGet, RouteHistory, func(r *req.Request) {
		r.SetQueryParam("limit", strconv.Itoa(p.pageSize)).SetSuccessResult(&res)
		if cursor != nil && cursor.Value != "" {
			r.SetQueryParam("cursor", cursor.Value)
		}
	})
	if err != nil {
		return nil, err
	}
	if res.Next == nil {
		res.Next = cursor
	}
	return &res, nil
}

func (p *Provider) HasBlob(ctx context.Context, hash string) (bool, error) {
	if !blob.ValidHash(hash) {
		return false, remote.NewError(remote.KindInvalid, "has blob", blob.ErrInvalidHash)
	}
	_, err := p.do(ctx, "has blob", http.MethodHead, RouteBlob, func(r *req.Request) {
		r.SetPathParam("hash", hash)
	})
	if errors.Is(err, remote.ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, nil
}

func (p *Provider) PutBlob(ctx context.Context, hash string, data []byte) error {
	if !blob.ValidHash(hash) {
		return remote.NewError(remote.KindInvalid, "put blob", blob.ErrInvalidHash)
	}
	_, err := p.do(ctx, "put blob", http.MethodPut, RouteBlob, func(r *req.Request) {
		r.SetPathParam("hash", hash).
			SetHeader(HeaderContentType, ContentTypeBinary).
			SetBodyBytes(data)
	})
	return err
}

func (p *Provider) GetBlob(ctx context.Context, hash string) ([]byte, error) {
	if !blob.ValidHash(hash) {
		return nil, remote.NewError(remote.KindInvalid, "get blob", blob.ErrInvalidHash)
	}
	resp, err := p.do(ctx, "get blob", http.MethodGet, RouteBlob, func(r *req.Request) {
		r.SetPathParam("hash", hash)
	})
	if err != nil {
		return nil, err
	}
	return resp.Bytes(), nil
}

func (p *Provider) ListSnapshots(ctx context.Context) ([]string, error) {
	var list SnapshotList
	_, err := p.do(ctx, "list snapshots", http.MethodGet, RouteSnapshots, func(r *req.Request) {
		r.SetSuccessResult(&list)
	})
	if err != nil {
		return nil, err
	}
	return list.IDs, nil
}

func (p *Provider) PutSnapshotManifest(ctx context.Context, id string, manifest []byte) error {
	_, err := p.do(ctx, "put snapshot", http.MethodPut, RouteSnapshot, func(r *req.Request) {
		r.SetPathParam("id", id).
			SetHeader(HeaderContentType, "application/json").
			SetBodyBytes(manifest)
	})
	return err
}

func (p *Provider) GetSnapshotManifest(ctx context.Context, id string) ([]byte, error) {
	resp, err := p.do(ctx, "get snapshot", http.MethodGet, RouteSnapshot, func(r *req.Request) {
		r.SetPathParam("id", id)
	})
	if err != nil {
		return nil, err
	}
	return resp.Bytes(), nil
}

// do sends one request. A 401 invalidates a refreshable token and retries once.
func (p *Provider) do(ctx context.Context, op, method, route string, prepare func(r *req.Request)) (*req.Response, error) {
	for attempt := 0; ; attempt++ {
		token, err := p.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}

		var apiErr APIError
		r := p.client.R().
			SetContext(ctx).
			SetPathParam("vault", p.vaultID).
			SetErrorResult(&apiErr)
		if token != "" {
			r.SetBearerAuthToken(token)
		}
		if prepare != nil {
			prepare(r)
		}

		resp, err := r.Send(method, route)
		if err != nil {
			return nil, remote.Classify(op, err)
		}
		if !resp.IsErrorState() {
			return resp, nil
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			if inv, ok := p.tokens.(interface{ Invalidate() }); ok {
				inv.Invalidate()
				continue
			}
		}
		return nil, statusError(op, resp.StatusCode, &apiErr)
	}
}

func statusError(op string, status int, apiErr *APIError) error {
	var cause error = apiErr
	if apiErr.Code == "" && apiErr.Message == "" {
		cause = errors.New(http.StatusText(status))
	}
	if k := remote.KindForStatus(status); k == remote.KindAuth {
		cause = fmt.Errorf("%w: %w", remote.ErrAuth, cause)
	}
	return remote.StatusError(op, status, cause)
}
